package settings

import (
	"testing"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
)

func TestLoad_Defaults(t *testing.T) {
	m, err := Load(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Get() != models.DefaultSettings() {
		t.Errorf("expected defaults, got %+v", m.Get())
	}
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.SetSetting(KeyAutoCallEnabled, "perhaps")
	_ = st.SetSetting(KeyShakeEnabled, "false")
	m, err := Load(st)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := m.Get()
	if !got.AutoCallEnabled || got.ShakeEnabled {
		t.Errorf("unexpected settings: %+v", got)
	}
}

func TestUpdate_PersistsAndNotifies(t *testing.T) {
	st := store.NewInMemoryStore()
	m, _ := Load(st)

	var seen []models.Settings
	m.OnChange(func(s models.Settings) { seen = append(seen, s) })

	want := models.Settings{AutoCallEnabled: false, VoiceLocale: " ", ShakeEnabled: false, VoiceEnabled: true}
	if err := m.Update(want); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(seen) != 1 || seen[0].VoiceLocale != "en-US" {
		t.Errorf("expected listener with default locale, got %+v", seen)
	}

	reloaded, err := Load(st)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := reloaded.Get()
	if got.AutoCallEnabled || got.ShakeEnabled || !got.VoiceEnabled || got.VoiceLocale != "en-US" {
		t.Errorf("settings not persisted: %+v", got)
	}
}
