package sos

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/contacts"
	"github.com/BTreeMap/SOSPipe/internal/location"
	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notice"
	"github.com/BTreeMap/SOSPipe/internal/notify"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/twiliophone"
	"github.com/benbjohnson/clock"
)

type fakeLocation struct {
	mu        sync.Mutex
	fix       *models.Fix
	requests  int
	watch     func(models.Fix)
	unwatched int
}

func (f *fakeLocation) GetCurrentFix(ctx context.Context, timeout time.Duration) (models.Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.fix == nil {
		return models.Fix{}, models.ErrLocationUnavailable
	}
	return *f.fix, nil
}

func (f *fakeLocation) Watch(interval time.Duration, cb func(models.Fix)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watch = cb
	return func() {
		f.mu.Lock()
		f.unwatched++
		f.mu.Unlock()
	}
}

func (f *fakeLocation) set(fix *models.Fix) {
	f.mu.Lock()
	f.fix = fix
	f.mu.Unlock()
}

func (f *fakeLocation) push(fix models.Fix) {
	f.mu.Lock()
	cb := f.watch
	f.mu.Unlock()
	if cb != nil {
		cb(fix)
	}
}

type sentText struct {
	To   string
	Text string
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    []sentText
	failFor map[string]bool
}

func (f *fakeChannel) Send(ctx context.Context, phone, text string) (notify.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[phone] {
		return notify.Delivery{}, models.ErrNotificationDeliveryFailed
	}
	f.sent = append(f.sent, sentText{To: phone, Text: text})
	return notify.Delivery{Channel: messaging.ChannelSMS}, nil
}

func (f *fakeChannel) withPrefix(prefix string) []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentText
	for _, s := range f.sent {
		if strings.HasPrefix(s.Text, prefix) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDialer) Call(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, phone)
	return f.err
}

func (f *fakeDialer) placed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAux struct {
	mu        sync.Mutex
	recording bool
	torch     bool
	stops     int
	err       error
}

func (f *fakeAux) StartRecording(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recording = true
	return nil
}

func (f *fakeAux) StopRecording(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.recording = false
	return f.err
}

func (f *fakeAux) SetIllumination(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.torch = on
	return nil
}

func (f *fakeAux) state() (recording, torch bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording, f.torch
}

type fixture struct {
	engine *Engine
	st     *store.InMemoryStore
	loc    *fakeLocation
	ch     *fakeChannel
	dialer *fakeDialer
	aux    *fakeAux
	board  *notice.Board
	mock   *clock.Mock
}

func newFixture(t *testing.T, list []models.Contact, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		st:     store.NewInMemoryStore(),
		loc:    &fakeLocation{fix: &models.Fix{Lat: 10, Lng: 20, Accuracy: 5}},
		ch:     &fakeChannel{failFor: map[string]bool{}},
		dialer: &fakeDialer{},
		aux:    &fakeAux{},
		mock:   clock.NewMock(),
	}
	f.board = notice.NewBoard(f.mock, 0)
	for _, c := range list {
		if err := f.st.AddContact(c); err != nil {
			t.Fatalf("AddContact failed: %v", err)
		}
	}
	base := []Option{
		WithClock(f.mock),
		WithDialer(f.dialer),
		WithAuxiliary(f.aux),
		WithNotices(f.board),
		WithUserName("Sam"),
	}
	f.engine = NewEngine(f.st, contacts.NewBook(f.st), f.loc, f.ch, append(base, opts...)...)
	t.Cleanup(func() { f.engine.StandDown(context.Background()) })
	return f
}

func (f *fixture) trigger(t *testing.T, source models.TriggerSource) {
	t.Helper()
	res, err := f.engine.Trigger(context.Background(), models.TriggerEvent{Source: source})
	if err != nil || res != models.TriggerActivated {
		t.Fatalf("Trigger() = %v, %v; want activated", res, err)
	}
}

// settled waits until the activation worker has finished its entry sequence.
func (f *fixture) settled(t *testing.T, calls int) {
	t.Helper()
	waitFor(t, "activation", func() bool {
		return f.engine.Status().TrackingActive && len(f.dialer.placed()) == calls
	})
	waitFor(t, "aux", func() bool {
		recording, torch := f.aux.state()
		return recording && torch
	})
}

func (f *fixture) noticesOf(kind models.NoticeKind) int {
	n := 0
	for _, item := range f.board.Recent(0) {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// advance moves the mock clock and gives timer callbacks a moment to run.
func advance(m *clock.Mock, d time.Duration) {
	m.Add(d)
	time.Sleep(20 * time.Millisecond)
}

func TestEngine_EndToEnd(t *testing.T) {
	mock := clock.NewMock()
	st := store.NewInMemoryStore()
	if err := st.AddContact(models.Contact{ID: "1", Name: "Mom", Phone: "555-0100"}); err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}
	tracker := location.NewTracker(location.WithClock(mock))
	tracker.Push(models.Fix{Lat: 10, Lng: 20, Accuracy: 5})

	twilio := twiliophone.NewMockClient()
	notifier := notify.NewNotifier(notify.WithService(messaging.NewTwilioService(twilio)))
	engine := NewEngine(st, contacts.NewBook(st), tracker, notifier,
		WithClock(mock),
		WithDialer(NewVoiceDialer(twilio, Composer{UserName: "Sam"}.CallAnnouncement())),
		WithUserName("Sam"),
	)

	res, err := engine.Trigger(context.Background(), models.TriggerEvent{Source: models.TriggerSourceManual})
	if err != nil || res != models.TriggerActivated {
		t.Fatalf("Trigger() = %v, %v", res, err)
	}
	waitFor(t, "activation and first call", func() bool {
		return len(twilio.Messages()) == 1 && len(twilio.PlacedCalls()) == 1
	})

	activation := twilio.Messages()[0]
	if activation.To != "5550100" {
		t.Errorf("activation sent to %q, want 5550100", activation.To)
	}
	for _, want := range []string{"SOS ALERT ACTIVATED", "Sam needs help.", "Trigger: manual", "q=10,20", "Accuracy: 5m"} {
		if !strings.Contains(activation.Body, want) {
			t.Errorf("activation missing %q:\n%s", want, activation.Body)
		}
	}
	if call := twilio.PlacedCalls()[0]; call.To != "5550100" || !strings.Contains(call.Announcement, "Sam") {
		t.Errorf("unexpected call: %+v", call)
	}

	stood, err := engine.StandDown(context.Background())
	if err != nil || !stood {
		t.Fatalf("StandDown() = %v, %v", stood, err)
	}
	msgs := twilio.Messages()
	if len(msgs) != 2 || !strings.HasPrefix(msgs[1].Body, "SOS DEACTIVATED") || !strings.Contains(msgs[1].Body, "q=10,20") {
		t.Fatalf("expected one deactivation with location, got %+v", msgs)
	}

	advance(mock, time.Minute)
	if len(twilio.Messages()) != 2 || len(twilio.PlacedCalls()) != 1 {
		t.Errorf("side effects after stand-down: %d messages, %d calls", len(twilio.Messages()), len(twilio.PlacedCalls()))
	}
	if engine.Status().Active {
		t.Error("expected idle after stand-down")
	}

	receipts, err := st.GetReceipts("")
	if err != nil || len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d (%v)", len(receipts), err)
	}
	if receipts[0].Kind != models.NotificationKindActivation || receipts[1].Kind != models.NotificationKindDeactivation {
		t.Errorf("unexpected receipt kinds: %+v", receipts)
	}
	episodes, err := st.ListEpisodes(10)
	if err != nil || len(episodes) != 1 || episodes[0].Active || episodes[0].EndedAt == nil {
		t.Errorf("expected one finished episode, got %+v (%v)", episodes, err)
	}
}

func TestEngine_TriggerWithoutContacts(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		_, err := f.engine.Trigger(context.Background(), models.TriggerEvent{Source: models.TriggerSourceShake})
		if !errors.Is(err, models.ErrNoContactsConfigured) {
			t.Fatalf("expected ErrNoContactsConfigured, got %v", err)
		}
	}
	if f.engine.Status().Active {
		t.Error("no episode should start without contacts")
	}
	if n := f.noticesOf(models.NoticeNoContacts); n != 2 {
		t.Errorf("expected a no_contacts notice per trigger, got %d", n)
	}
	if f.ch.count() != 0 || len(f.dialer.placed()) != 0 {
		t.Error("nothing should be sent without contacts")
	}
}

func TestEngine_InvalidSource(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	if _, err := f.engine.Trigger(context.Background(), models.TriggerEvent{Source: "bogus"}); !errors.Is(err, models.ErrInvalidTriggerSource) {
		t.Errorf("expected ErrInvalidTriggerSource, got %v", err)
	}
}

func TestEngine_RepeatTriggerAbsorbed(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.trigger(t, models.TriggerSourceVoice)
	f.settled(t, 1)
	started := f.engine.Status().StartedAt

	for _, src := range []models.TriggerSource{models.TriggerSourceShake, models.TriggerSourceManual, models.TriggerSourceWearable} {
		res, err := f.engine.Trigger(context.Background(), models.TriggerEvent{Source: src})
		if err != nil || res != models.TriggerAbsorbed {
			t.Fatalf("Trigger(%s) = %v, %v; want absorbed", src, res, err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if n := len(f.ch.withPrefix("SOS ALERT ACTIVATED")); n != 2 {
		t.Errorf("expected one activation per contact, got %d", n)
	}
	if n := len(f.dialer.placed()); n != 1 {
		t.Errorf("absorbed triggers must not place calls, got %d", n)
	}
	status := f.engine.Status()
	if status.TriggerSource != models.TriggerSourceVoice || !status.StartedAt.Equal(started) {
		t.Errorf("episode changed by absorbed trigger: %+v", status)
	}
}

func TestEngine_LiveUpdates(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	advance(f.mock, DefaultTrackingInterval)
	waitFor(t, "first live update", func() bool { return len(f.ch.withPrefix("LIVE UPDATE")) == 2 })
	if u := f.ch.withPrefix("LIVE UPDATE")[0]; !strings.Contains(u.Text, "q=10,20") || !strings.Contains(u.Text, "(accuracy 5m)") {
		t.Errorf("unexpected update text: %q", u.Text)
	}

	// Contact changes are visible on the next tick.
	if err := f.st.DeleteContact(contactB.ID); err != nil {
		t.Fatalf("DeleteContact failed: %v", err)
	}
	advance(f.mock, DefaultTrackingInterval)
	waitFor(t, "second live update", func() bool { return len(f.ch.withPrefix("LIVE UPDATE")) == 3 })
	if u := f.ch.withPrefix("LIVE UPDATE")[2]; u.To != contactA.Phone {
		t.Errorf("update sent to removed contact: %+v", u)
	}

	if err := f.engine.SetTracking(context.Background(), false); err != nil {
		t.Fatalf("SetTracking failed: %v", err)
	}
	advance(f.mock, DefaultTrackingInterval)
	if n := len(f.ch.withPrefix("LIVE UPDATE")); n != 3 {
		t.Errorf("updates continued after tracking was disabled: %d", n)
	}

	if err := f.engine.SetTracking(context.Background(), true); err != nil {
		t.Fatalf("SetTracking failed: %v", err)
	}
	advance(f.mock, DefaultTrackingInterval)
	waitFor(t, "update after re-enable", func() bool { return len(f.ch.withPrefix("LIVE UPDATE")) == 4 })
}

func phonesOf(msgs []sentText) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.To)
	}
	return out
}

func TestEngine_ContactChangesApplyToLaterFanOuts(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)
	if got := phonesOf(f.ch.withPrefix("SOS ALERT ACTIVATED")); len(got) != 2 {
		t.Fatalf("expected activation to A and B, got %v", got)
	}

	if err := f.st.AddContact(contactC); err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}
	if err := f.st.DeleteContact(contactB.ID); err != nil {
		t.Fatalf("DeleteContact failed: %v", err)
	}

	// Already-sent activations are untouched.
	if got := phonesOf(f.ch.withPrefix("SOS ALERT ACTIVATED")); len(got) != 2 || got[0] != contactA.Phone || got[1] != contactB.Phone {
		t.Errorf("activation history changed: %v", got)
	}

	advance(f.mock, DefaultTrackingInterval)
	waitFor(t, "live update", func() bool { return len(f.ch.withPrefix("LIVE UPDATE")) == 2 })
	if got := phonesOf(f.ch.withPrefix("LIVE UPDATE")); got[0] != contactA.Phone || got[1] != contactC.Phone {
		t.Errorf("expected update to A and C, got %v", got)
	}

	if _, err := f.engine.StandDown(context.Background()); err != nil {
		t.Fatalf("StandDown failed: %v", err)
	}
	got := phonesOf(f.ch.withPrefix("SOS DEACTIVATED"))
	if len(got) != 2 || got[0] != contactA.Phone || got[1] != contactC.Phone {
		t.Errorf("expected deactivation to A and C, got %v", got)
	}
}

func TestEngine_TrackingSkipsWithoutFix(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	f.loc.set(nil)
	advance(f.mock, DefaultTrackingInterval)
	if n := len(f.ch.withPrefix("LIVE UPDATE")); n != 0 {
		t.Errorf("expected no update without a fix, got %d", n)
	}
	if !f.engine.Status().TrackingActive {
		t.Error("a failed tick must not stop tracking")
	}

	f.loc.set(&models.Fix{Lat: 11, Lng: 21, Accuracy: 3})
	advance(f.mock, DefaultTrackingInterval)
	waitFor(t, "update once a fix returns", func() bool { return len(f.ch.withPrefix("LIVE UPDATE")) == 1 })
}

func TestEngine_StandDownStopsEverything(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.trigger(t, models.TriggerSourceWearable)
	f.settled(t, 1)

	stood, err := f.engine.StandDown(context.Background())
	if err != nil || !stood {
		t.Fatalf("StandDown() = %v, %v", stood, err)
	}
	sent := f.ch.count()
	if n := len(f.ch.withPrefix("SOS DEACTIVATED")); n != 2 {
		t.Errorf("expected one deactivation per contact, got %d", n)
	}

	advance(f.mock, 5*time.Minute)
	if f.ch.count() != sent || len(f.dialer.placed()) != 1 {
		t.Errorf("side effects after stand-down: sent %d->%d calls=%d", sent, f.ch.count(), len(f.dialer.placed()))
	}
	if recording, torch := f.aux.state(); recording || torch {
		t.Error("expected aux stopped")
	}
	f.loc.mu.Lock()
	unwatched := f.loc.unwatched
	f.loc.mu.Unlock()
	if unwatched != 1 {
		t.Errorf("expected location watch removed, got %d", unwatched)
	}
	if n := f.noticesOf(models.NoticeEpisodeEnded); n != 1 {
		t.Errorf("expected episode_ended notice, got %d", n)
	}

	stood, err = f.engine.StandDown(context.Background())
	if err != nil || stood {
		t.Errorf("second StandDown() = %v, %v; want false", stood, err)
	}
}

func TestEngine_StandDownWhileIdle(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	stood, err := f.engine.StandDown(context.Background())
	if err != nil || stood {
		t.Errorf("StandDown() = %v, %v; want false, nil", stood, err)
	}
	if err := f.engine.SetTracking(context.Background(), true); !errors.Is(err, models.ErrNoActiveEpisode) {
		t.Errorf("expected ErrNoActiveEpisode, got %v", err)
	}
	if f.ch.count() != 0 {
		t.Error("idle stand-down must not notify")
	}
}

func TestEngine_NewEpisodeAfterStandDown(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)
	first := f.engine.Status().ID
	f.engine.StandDown(context.Background())

	f.trigger(t, models.TriggerSourceShake)
	waitFor(t, "second activation", func() bool { return len(f.ch.withPrefix("SOS ALERT ACTIVATED")) == 2 })
	if id := f.engine.Status().ID; id == "" || id == first {
		t.Errorf("expected a new episode ID, got %q (first %q)", id, first)
	}
}

func TestEngine_EscalationRotates(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB, contactC})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	for n := 2; n <= 7; n++ {
		advance(f.mock, DefaultCallRetryDelay)
		want := n
		waitFor(t, "escalation call", func() bool { return len(f.dialer.placed()) == want })
	}

	want := []string{"5550001", "5550001", "5550001", "5550002", "5550002", "5550002", "5550003"}
	got := f.dialer.placed()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order = %v, want %v", got, want)
		}
	}
	status := f.engine.Status()
	if status.CallAttempt != 1 || status.CurrentCallTarget == nil || status.CurrentCallTarget.ID != contactC.ID {
		t.Errorf("unexpected escalation status: %+v", status)
	}
}

func TestEngine_EscalationIdlesWithSingleContact(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	for n := 2; n <= 3; n++ {
		advance(f.mock, DefaultCallRetryDelay)
		want := n
		waitFor(t, "retry call", func() bool { return len(f.dialer.placed()) == want })
	}
	advance(f.mock, DefaultCallRetryDelay)
	advance(f.mock, DefaultCallRetryDelay)
	if n := len(f.dialer.placed()); n != 3 {
		t.Errorf("expected escalation to idle after 3 calls, got %d", n)
	}
	status := f.engine.Status()
	if !status.Active || status.CurrentCallTarget != nil {
		t.Errorf("expected active episode with idle escalation, got %+v", status)
	}
	f.engine.mu.Lock()
	pending := f.engine.run.timers.pending(timerCall)
	f.engine.mu.Unlock()
	if pending {
		t.Error("idle escalation should not keep a re-check timer")
	}
}

func TestEngine_PrimaryContactCalledFirst(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	if err := f.st.SetSetting(contacts.PrimaryContactSetting, contactB.ID); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)
	if got := f.dialer.placed()[0]; got != contactB.Phone {
		t.Errorf("first call to %s, want primary %s", got, contactB.Phone)
	}
}

func TestEngine_AutoCallDisabled(t *testing.T) {
	s := models.DefaultSettings()
	s.AutoCallEnabled = false
	f := newFixture(t, []models.Contact{contactA}, WithSettings(staticSettings(s)))
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 0)

	advance(f.mock, DefaultCallRetryDelay)
	if n := len(f.dialer.placed()); n != 0 {
		t.Errorf("expected no calls with auto-call disabled, got %d", n)
	}
}

func TestEngine_DialFailureKeepsRetrying(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.dialer.err = errors.New("no signal")
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	waitFor(t, "call_failed notice", func() bool { return f.noticesOf(models.NoticeCallFailed) == 1 })
	advance(f.mock, DefaultCallRetryDelay)
	waitFor(t, "retry after failure", func() bool { return len(f.dialer.placed()) == 2 })
	if !f.engine.Status().Active {
		t.Error("a dial failure must not end the episode")
	}
}

func TestEngine_ActivationWithoutFix(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.loc.set(nil)
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	activation := f.ch.withPrefix("SOS ALERT ACTIVATED")
	if len(activation) != 1 || !strings.Contains(activation[0].Text, "Location: unavailable (will follow in live updates)") {
		t.Fatalf("expected placeholder activation, got %+v", activation)
	}
	if f.noticesOf(models.NoticeLocationUnavailable) != 1 {
		t.Error("expected location_unavailable notice")
	}
	if f.engine.Status().LastFix != nil {
		t.Error("LastFix should be unset")
	}

	f.engine.StandDown(context.Background())
	deactivation := f.ch.withPrefix("SOS DEACTIVATED")
	if len(deactivation) != 1 || !strings.Contains(deactivation[0].Text, "Last known location: unavailable") {
		t.Errorf("unexpected deactivation: %+v", deactivation)
	}
}

func TestEngine_DeactivationFallsBackToLastFix(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	f.loc.push(models.Fix{Lat: 12.5, Lng: 22.25, Accuracy: 8})
	if fix := f.engine.Status().LastFix; fix == nil || fix.Lat != 12.5 {
		t.Fatalf("pushed fix did not refresh LastFix: %+v", fix)
	}

	f.loc.set(nil)
	f.engine.StandDown(context.Background())
	deactivation := f.ch.withPrefix("SOS DEACTIVATED")
	if len(deactivation) != 1 || !strings.Contains(deactivation[0].Text, "q=12.5,22.25") || !strings.Contains(deactivation[0].Text, "Accuracy: 8m") {
		t.Errorf("expected last known fix in deactivation, got %+v", deactivation)
	}
}

func TestEngine_DeliveryFailureContinuesFanOut(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.ch.failFor[contactA.Phone] = true
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	if sent := f.ch.withPrefix("SOS ALERT ACTIVATED"); len(sent) != 1 || sent[0].To != contactB.Phone {
		t.Errorf("expected activation to reach B despite A failing, got %+v", sent)
	}
	receipts, _ := f.st.GetReceipts(f.engine.Status().ID)
	if len(receipts) != 2 || receipts[0].Status != models.MessageStatusFailed || receipts[1].Status != models.MessageStatusSent {
		t.Errorf("unexpected receipts: %+v", receipts)
	}
}

func TestEngine_AuxFailureIsNotice(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.aux.err = models.ErrAuxiliaryControlFailed
	f.trigger(t, models.TriggerSourceManual)

	waitFor(t, "aux notices", func() bool { return f.noticesOf(models.NoticeAuxiliaryFailed) == 2 })
	if !f.engine.Status().Active {
		t.Error("aux failure must not end the episode")
	}
}

func TestEngine_Recover(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	started := f.mock.Now().Add(-time.Minute)
	if err := f.st.SaveEpisode(models.EpisodeRecord{ID: "ep_resume", TriggerSource: models.TriggerSourceShake, StartedAt: started, Active: true}); err != nil {
		t.Fatalf("SaveEpisode failed: %v", err)
	}

	if err := f.engine.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	f.settled(t, 1)

	status := f.engine.Status()
	if status.ID != "ep_resume" || status.TriggerSource != models.TriggerSourceShake || !status.StartedAt.Equal(started) {
		t.Errorf("unexpected recovered episode: %+v", status)
	}
	if n := len(f.ch.withPrefix("SOS ALERT ACTIVATED")); n != 0 {
		t.Errorf("activation must not be re-sent on recovery, got %d", n)
	}

	f.engine.StandDown(context.Background())
	if n := len(f.ch.withPrefix("SOS DEACTIVATED")); n != 1 {
		t.Errorf("expected deactivation after recovered episode, got %d", n)
	}
	if rec, _ := f.st.GetActiveEpisode(); rec != nil {
		t.Errorf("episode still active in store: %+v", rec)
	}
}

func TestEngine_RecoverNothing(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	if err := f.engine.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if f.engine.Status().Active {
		t.Error("nothing to recover, engine should stay idle")
	}
}

func TestEngine_StatusIsACopy(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA})
	f.trigger(t, models.TriggerSourceManual)
	f.settled(t, 1)

	status := f.engine.Status()
	status.LastFix.Lat = 99
	status.CurrentCallTarget.Name = "changed"
	again := f.engine.Status()
	if again.LastFix.Lat == 99 || again.CurrentCallTarget.Name == "changed" {
		t.Error("Status must return a deep copy")
	}
}

func TestEngine_CloseKeepsEpisodeForRecovery(t *testing.T) {
	f := newFixture(t, []models.Contact{contactA, contactB})
	f.trigger(t, models.TriggerSourceVoice)
	f.settled(t, 1)
	sent := f.ch.count()

	f.engine.Close()
	advance(f.mock, 5*time.Minute)
	if f.ch.count() != sent || len(f.dialer.placed()) != 1 {
		t.Errorf("episode work continued after Close: sent %d->%d calls=%d", sent, f.ch.count(), len(f.dialer.placed()))
	}
	if n := len(f.ch.withPrefix("SOS DEACTIVATED")); n != 0 {
		t.Errorf("Close must not notify contacts, got %d deactivations", n)
	}
	rec, err := f.st.GetActiveEpisode()
	if err != nil || rec == nil || rec.ID != f.engine.Status().ID {
		t.Errorf("expected episode still persisted as active, got %+v err=%v", rec, err)
	}
	f.engine.Close()
}
