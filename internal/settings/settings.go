// Package settings loads and saves the user's settings as key/value rows in the store.
package settings

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/store"
)

// Setting keys.
const (
	KeyAutoCallEnabled = "auto_call_enabled"
	KeyVoiceLocale     = "voice_locale"
	KeyShakeEnabled    = "shake_enabled"
	KeyVoiceEnabled    = "voice_enabled"
)

// Source provides the current settings.
type Source interface {
	Get() models.Settings
}

// Manager holds the settings in memory and writes changes through to the store.
type Manager struct {
	st store.Store

	mu        sync.RWMutex
	current   models.Settings
	listeners []func(models.Settings)
}

var _ Source = (*Manager)(nil)

// Load reads the settings from the store, using defaults for missing or malformed keys.
func Load(st store.Store) (*Manager, error) {
	s := models.DefaultSettings()

	readBool := func(key string, dst *bool) error {
		v, ok, err := st.GetSetting(key)
		if err != nil {
			return fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("settings.Load: malformed boolean, using default", "key", key, "value", v)
			return nil
		}
		*dst = b
		return nil
	}
	if err := readBool(KeyAutoCallEnabled, &s.AutoCallEnabled); err != nil {
		return nil, err
	}
	if err := readBool(KeyShakeEnabled, &s.ShakeEnabled); err != nil {
		return nil, err
	}
	if err := readBool(KeyVoiceEnabled, &s.VoiceEnabled); err != nil {
		return nil, err
	}
	locale, ok, err := st.GetSetting(KeyVoiceLocale)
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", KeyVoiceLocale, err)
	}
	if ok && strings.TrimSpace(locale) != "" {
		s.VoiceLocale = locale
	}

	slog.Debug("settings.Load: settings loaded", "auto_call", s.AutoCallEnabled, "shake", s.ShakeEnabled, "voice", s.VoiceEnabled, "locale", s.VoiceLocale)
	return &Manager{st: st, current: s}, nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() models.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update persists new settings and notifies listeners.
func (m *Manager) Update(s models.Settings) error {
	s.VoiceLocale = strings.TrimSpace(s.VoiceLocale)
	if s.VoiceLocale == "" {
		s.VoiceLocale = models.DefaultSettings().VoiceLocale
	}

	m.mu.Lock()
	for key, value := range map[string]string{
		KeyAutoCallEnabled: strconv.FormatBool(s.AutoCallEnabled),
		KeyShakeEnabled:    strconv.FormatBool(s.ShakeEnabled),
		KeyVoiceEnabled:    strconv.FormatBool(s.VoiceEnabled),
		KeyVoiceLocale:     s.VoiceLocale,
	} {
		if err := m.st.SetSetting(key, value); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to save settings: %w", err)
		}
	}
	m.current = s
	listeners := append([]func(models.Settings){}, m.listeners...)
	m.mu.Unlock()

	slog.Info("Manager.Update: settings saved", "auto_call", s.AutoCallEnabled, "shake", s.ShakeEnabled, "voice", s.VoiceEnabled, "locale", s.VoiceLocale)
	for _, l := range listeners {
		l(s)
	}
	return nil
}

// OnChange registers a listener called after every successful Update.
func (m *Manager) OnChange(l func(models.Settings)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}
