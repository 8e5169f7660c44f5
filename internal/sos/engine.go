// Package sos implements the SOS episode engine.
//
// An episode starts when a trigger source fires and at least one emergency contact exists.
// While it is active the engine fans out alerts with the user's location, keeps contacts
// updated on a fixed cadence, escalates phone calls and keeps evidence capture running.
// StandDown ends the episode with a single deactivation message.
package sos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/location"
	"github.com/BTreeMap/SOSPipe/internal/metrics"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notice"
	"github.com/BTreeMap/SOSPipe/internal/notify"
	"github.com/BTreeMap/SOSPipe/internal/settings"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/util"
	"github.com/benbjohnson/clock"
)

// Engine defaults.
const (
	DefaultTrackingInterval = 10 * time.Second
	DefaultCallRetryDelay   = 30 * time.Second
	DefaultLocationTimeout  = 20 * time.Second
	// DefaultStandDownTimeout bounds the aux shutdown, final fix and deactivation fan-out.
	DefaultStandDownTimeout = 2 * time.Minute
)

const (
	timerTracking = "tracking"
	timerCall     = "call"
)

// ContactSource is the engine's read view of the contact book.
type ContactSource interface {
	List(ctx context.Context) ([]models.Contact, error)
	Primary(ctx context.Context) (*models.Contact, error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Clock            clock.Clock
	Dialer           Dialer
	Auxiliary        Auxiliary
	Notices          notice.Poster
	Metrics          *metrics.Collector
	Settings         settings.Source
	UserName         string
	MapServiceURL    string
	TrackingInterval time.Duration
	CallRetryDelay   time.Duration
	LocationTimeout  time.Duration
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithClock sets the time source for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithDialer sets how escalation calls are placed. Without one, escalation only logs.
func WithDialer(d Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// WithAuxiliary sets the recording and illumination controller.
func WithAuxiliary(a Auxiliary) Option {
	return func(o *Opts) { o.Auxiliary = a }
}

// WithNotices sets where user-visible notices are posted.
func WithNotices(p notice.Poster) Option {
	return func(o *Opts) { o.Notices = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithSettings sets the settings source read at activation.
func WithSettings(s settings.Source) Option {
	return func(o *Opts) { o.Settings = s }
}

// WithUserName sets the name used in alert messages.
func WithUserName(name string) Option {
	return func(o *Opts) { o.UserName = name }
}

// WithMapServiceURL sets the base URL of map links.
func WithMapServiceURL(url string) Option {
	return func(o *Opts) { o.MapServiceURL = url }
}

// WithTrackingInterval sets the live update cadence.
func WithTrackingInterval(d time.Duration) Option {
	return func(o *Opts) { o.TrackingInterval = d }
}

// WithCallRetryDelay sets the delay between escalation re-checks.
func WithCallRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.CallRetryDelay = d }
}

// WithLocationTimeout bounds each wait for a location fix.
func WithLocationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.LocationTimeout = d }
}

// staticSettings is used when no settings source is configured.
type staticSettings models.Settings

func (s staticSettings) Get() models.Settings { return models.Settings(s) }

// run is the lifetime of one episode. Its fields are guarded by Engine.mu unless noted.
type run struct {
	id         string
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	timers     *timerSet
	escalator  *Escalator
	unwatch    func()

	stopped          bool
	trackingInFlight bool
	trackingOff      bool
}

// Engine is the SOS state machine. It is safe for concurrent use.
type Engine struct {
	store    store.Store
	contacts ContactSource
	location location.Provider
	notifier notify.Channel

	clock            clock.Clock
	dialer           Dialer
	aux              Auxiliary
	notices          notice.Poster
	metrics          *metrics.Collector
	settings         settings.Source
	composer         Composer
	trackingInterval time.Duration
	callRetryDelay   time.Duration
	locationTimeout  time.Duration

	// transition serializes Trigger, StandDown and Recover.
	transition sync.Mutex

	mu         sync.Mutex
	episode    models.Episode
	run        *run
	generation uint64
}

// NewEngine creates an idle Engine.
func NewEngine(st store.Store, book ContactSource, loc location.Provider, ch notify.Channel, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Settings == nil {
		cfg.Settings = staticSettings(models.DefaultSettings())
	}
	if cfg.TrackingInterval <= 0 {
		cfg.TrackingInterval = DefaultTrackingInterval
	}
	if cfg.CallRetryDelay <= 0 {
		cfg.CallRetryDelay = DefaultCallRetryDelay
	}
	if cfg.LocationTimeout <= 0 {
		cfg.LocationTimeout = DefaultLocationTimeout
	}
	if cfg.Dialer == nil {
		slog.Warn("NewEngine: no dialer configured; escalation calls will be skipped")
	}

	return &Engine{
		store:            st,
		contacts:         book,
		location:         loc,
		notifier:         ch,
		clock:            cfg.Clock,
		dialer:           cfg.Dialer,
		aux:              cfg.Auxiliary,
		notices:          cfg.Notices,
		metrics:          cfg.Metrics,
		settings:         cfg.Settings,
		composer:         Composer{UserName: cfg.UserName, MapServiceURL: cfg.MapServiceURL},
		trackingInterval: cfg.TrackingInterval,
		callRetryDelay:   cfg.CallRetryDelay,
		locationTimeout:  cfg.LocationTimeout,
	}
}

// Trigger starts an episode, or absorbs the trigger if one is already active.
// With no contacts it posts a no_contacts notice and returns models.ErrNoContactsConfigured.
func (e *Engine) Trigger(ctx context.Context, ev models.TriggerEvent) (models.TriggerResult, error) {
	if !models.IsValidTriggerSource(ev.Source) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidTriggerSource, ev.Source)
	}
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}

	e.transition.Lock()
	defer e.transition.Unlock()

	e.mu.Lock()
	active := e.episode.Active
	episodeID := e.episode.ID
	e.mu.Unlock()
	if active {
		slog.Info("Engine.Trigger: episode already active, trigger absorbed", "episode_id", episodeID, "source", ev.Source)
		e.metrics.RecordTrigger(string(ev.Source), string(models.TriggerAbsorbed))
		return models.TriggerAbsorbed, nil
	}

	contacts, err := e.contacts.List(ctx)
	if err != nil {
		slog.Error("Engine.Trigger: failed to list contacts", "error", err)
		e.metrics.RecordTrigger(string(ev.Source), "error")
		return "", fmt.Errorf("failed to list contacts: %w", err)
	}
	if len(contacts) == 0 {
		slog.Warn("Engine.Trigger: refused, no emergency contacts configured", "source", ev.Source)
		e.post(models.NoticeNoContacts, "Add an emergency contact before SOS can alert anyone.")
		e.metrics.RecordTrigger(string(ev.Source), "refused")
		return "", models.ErrNoContactsConfigured
	}

	rec := models.EpisodeRecord{
		ID:            util.GenerateEpisodeID(ev.Time),
		TriggerSource: ev.Source,
		StartedAt:     ev.Time,
		Active:        true,
	}
	if err := e.store.SaveEpisode(rec); err != nil {
		slog.Error("Engine.Trigger: failed to persist episode start", "episode_id", rec.ID, "error", err)
	}

	r := e.begin(rec)
	slog.Info("Engine.Trigger: episode activated", "episode_id", rec.ID, "source", ev.Source, "contacts", len(contacts))
	e.metrics.RecordTrigger(string(ev.Source), string(models.TriggerActivated))
	e.metrics.RecordEpisode("started", true)
	e.post(models.NoticeEpisodeStarted, fmt.Sprintf("SOS activated (%s). Alerting %d contact(s).", ev.Source, len(contacts)))

	e.spawn(r, func() { e.activate(r, rec, true) })
	return models.TriggerActivated, nil
}

// Recover resumes an episode the store still marks active, without re-sending the activation.
func (e *Engine) Recover(ctx context.Context) error {
	e.transition.Lock()
	defer e.transition.Unlock()

	rec, err := e.store.GetActiveEpisode()
	if err != nil {
		return fmt.Errorf("failed to load active episode: %w", err)
	}
	if rec == nil {
		slog.Debug("Engine.Recover: no active episode to resume")
		return nil
	}
	e.mu.Lock()
	active := e.episode.Active
	e.mu.Unlock()
	if active {
		return nil
	}

	r := e.begin(*rec)
	slog.Info("Engine.Recover: resuming active episode", "episode_id", rec.ID, "source", rec.TriggerSource, "started_at", rec.StartedAt)
	e.metrics.RecordEpisode("recovered", true)
	e.post(models.NoticeEpisodeStarted, "SOS episode resumed after restart.")
	e.spawn(r, func() { e.activate(r, *rec, false) })
	return nil
}

// begin installs a new run and marks the episode active. Caller holds transition.
func (e *Engine) begin(rec models.EpisodeRecord) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        rec.ID,
		ctx:       ctx,
		cancel:    cancel,
		timers:    newTimerSet(e.clock),
		escalator: NewEscalator(models.MaxCallAttempts),
	}
	// Fixes pushed before the run is installed are dropped by setLastFix.
	r.unwatch = e.location.Watch(e.trackingInterval, func(fix models.Fix) {
		e.setLastFix(r, fix)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	r.generation = e.generation
	e.run = r
	e.episode = models.Episode{
		ID:            rec.ID,
		Active:        true,
		TriggerSource: rec.TriggerSource,
		StartedAt:     rec.StartedAt,
	}
	return r
}

// spawn runs fn as episode work unless the run has been stopped.
func (e *Engine) spawn(r *run, fn func()) bool {
	e.mu.Lock()
	if r.stopped {
		e.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// enter registers the calling timer callback as episode work. The caller must call
// r.wg.Done when it returns true.
func (e *Engine) enter(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stopped || e.run != r {
		return false
	}
	r.wg.Add(1)
	return true
}

// activate is the episode worker's entry sequence.
func (e *Engine) activate(r *run, rec models.EpisodeRecord, announce bool) {
	fix, err := e.location.GetCurrentFix(r.ctx, e.locationTimeout)
	var fixPtr *models.Fix
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		slog.Warn("Engine.activate: no location fix, alerting without it", "episode_id", r.id, "error", err)
		e.post(models.NoticeLocationUnavailable, "Location unavailable. Contacts will get it in live updates.")
	} else {
		e.setLastFix(r, fix)
		fixPtr = &fix
	}

	if announce {
		text := e.composer.Activation(rec.TriggerSource, e.clock.Now(), fixPtr)
		sent := e.fanOut(r.ctx, r.id, models.NotificationKindActivation, text)
		slog.Info("Engine.activate: activation fan-out complete", "episode_id", r.id, "delivered", sent)
	}
	if r.ctx.Err() != nil {
		return
	}

	e.startTracking(r)
	if e.settings.Get().AutoCallEnabled {
		e.startEscalation(r)
	} else {
		slog.Debug("Engine.activate: auto-call disabled", "episode_id", r.id)
	}
	e.startAux(r.ctx, r.id)
}

// StandDown ends the active episode and reports whether there was one.
func (e *Engine) StandDown(ctx context.Context) (bool, error) {
	e.transition.Lock()
	defer e.transition.Unlock()

	e.mu.Lock()
	if !e.episode.Active || e.run == nil {
		e.mu.Unlock()
		slog.Debug("Engine.StandDown: no active episode")
		return false, nil
	}
	r := e.run
	r.stopped = true
	r.timers.stop()
	r.escalator.Reset()
	e.episode.TrackingActive = false
	ep := copyEpisode(e.episode)
	e.mu.Unlock()

	r.cancel()
	if r.unwatch != nil {
		r.unwatch()
	}
	r.wg.Wait()
	slog.Info("Engine.StandDown: episode work drained", "episode_id", ep.ID)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStandDownTimeout)
	defer cancel()

	e.stopAux(stopCtx, ep.ID)

	final := ep.LastFix
	if fix, err := e.location.GetCurrentFix(stopCtx, e.locationTimeout); err == nil {
		final = &fix
	} else {
		slog.Warn("Engine.StandDown: final fix unavailable, using last known", "episode_id", ep.ID, "error", err, "has_last", final != nil)
	}

	text := e.composer.Deactivation(e.clock.Now(), final)
	sent := e.fanOut(stopCtx, ep.ID, models.NotificationKindDeactivation, text)

	endedAt := e.clock.Now()
	e.mu.Lock()
	e.episode = models.Episode{}
	e.run = nil
	e.mu.Unlock()

	rec := models.EpisodeRecord{
		ID:            ep.ID,
		TriggerSource: ep.TriggerSource,
		StartedAt:     ep.StartedAt,
		EndedAt:       &endedAt,
		Active:        false,
	}
	if err := e.store.SaveEpisode(rec); err != nil {
		slog.Error("Engine.StandDown: failed to persist episode end", "episode_id", ep.ID, "error", err)
	}

	slog.Info("Engine.StandDown: episode ended", "episode_id", ep.ID, "delivered", sent, "duration", endedAt.Sub(ep.StartedAt))
	e.metrics.RecordEpisode("ended", false)
	e.post(models.NoticeEpisodeEnded, "SOS stood down. Contacts have been told you are safe.")
	return true, nil
}

// Close halts episode work for process shutdown. The episode stays persisted as active
// so Recover resumes it on the next start; contacts are not told anything.
func (e *Engine) Close() {
	e.transition.Lock()
	defer e.transition.Unlock()

	e.mu.Lock()
	r := e.run
	if r == nil {
		e.mu.Unlock()
		return
	}
	r.stopped = true
	r.timers.stop()
	e.mu.Unlock()

	r.cancel()
	if r.unwatch != nil {
		r.unwatch()
	}
	r.wg.Wait()
	slog.Info("Engine.Close: episode work halted", "episode_id", r.id)
}

// Status returns a copy of the current episode.
func (e *Engine) Status() models.Episode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyEpisode(e.episode)
}

// fanOut sends text to every current contact and records a receipt for each.
// It returns the number of contacts reached.
func (e *Engine) fanOut(ctx context.Context, episodeID string, kind models.NotificationKind, text string) int {
	contacts, err := e.contacts.List(ctx)
	if err != nil {
		slog.Error("Engine.fanOut: failed to list contacts", "episode_id", episodeID, "kind", kind, "error", err)
		return 0
	}

	sent := 0
	for _, c := range contacts {
		if ctx.Err() != nil {
			slog.Debug("Engine.fanOut: canceled", "episode_id", episodeID, "kind", kind)
			break
		}
		delivery, err := e.notifier.Send(ctx, c.Phone, text)
		status := models.MessageStatusSent
		if err != nil {
			status = models.MessageStatusFailed
			slog.Warn("Engine.fanOut: delivery failed", "episode_id", episodeID, "kind", kind, "to", c.Phone, "error", err)
		} else {
			sent++
			slog.Debug("Engine.fanOut: delivered", "episode_id", episodeID, "kind", kind, "to", c.Phone, "channel", delivery.Channel)
		}
		receipt := models.Receipt{
			EpisodeID: episodeID,
			To:        c.Phone,
			Kind:      kind,
			Channel:   delivery.Channel,
			Status:    status,
			Time:      e.clock.Now().Unix(),
		}
		if err := e.store.AddReceipt(receipt); err != nil {
			slog.Error("Engine.fanOut: failed to record receipt", "episode_id", episodeID, "to", c.Phone, "error", err)
		}
		e.metrics.RecordNotification(string(kind), delivery.Channel, string(status))
	}
	return sent
}

func (e *Engine) setLastFix(r *run, fix models.Fix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stopped || e.run != r {
		return
	}
	e.episode.LastFix = &fix
}

func (e *Engine) startAux(ctx context.Context, episodeID string) {
	if e.aux == nil {
		return
	}
	if err := e.aux.StartRecording(ctx); err != nil {
		slog.Warn("Engine.startAux: recording failed to start", "episode_id", episodeID, "error", err)
		e.post(models.NoticeAuxiliaryFailed, "Audio recording could not be started.")
	}
	if err := e.aux.SetIllumination(ctx, true); err != nil {
		slog.Warn("Engine.startAux: illumination failed to start", "episode_id", episodeID, "error", err)
		e.post(models.NoticeAuxiliaryFailed, "Flashlight could not be turned on.")
	}
}

func (e *Engine) stopAux(ctx context.Context, episodeID string) {
	if e.aux == nil {
		return
	}
	if err := e.aux.StopRecording(ctx); err != nil {
		slog.Warn("Engine.stopAux: recording failed to stop", "episode_id", episodeID, "error", err)
		e.post(models.NoticeAuxiliaryFailed, "Audio recording could not be stopped.")
	}
	if err := e.aux.SetIllumination(ctx, false); err != nil {
		slog.Warn("Engine.stopAux: illumination failed to stop", "episode_id", episodeID, "error", err)
		e.post(models.NoticeAuxiliaryFailed, "Flashlight could not be turned off.")
	}
}

func (e *Engine) post(kind models.NoticeKind, msg string) {
	if e.notices != nil {
		e.notices.Post(kind, msg)
	}
}

func copyEpisode(ep models.Episode) models.Episode {
	out := ep
	if ep.LastFix != nil {
		fix := *ep.LastFix
		out.LastFix = &fix
	}
	if ep.CurrentCallTarget != nil {
		target := *ep.CurrentCallTarget
		out.CurrentCallTarget = &target
	}
	return out
}
