// Package devicelink runs the websocket link between SOSPipe and the user's devices.
//
// The phone connects with role=phone and exchanges JSON frames: it streams motion
// magnitudes, recognized speech, location fixes and bridged wearable data, and it executes
// commands (recording, torch, SMS composer, dialer, speech recognition). A wearable that can
// reach the network directly connects with role=wearable and sends plain text frames.
package devicelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/metrics"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Link timing defaults.
const (
	DefaultAckTimeout = 5 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
)

var (
	// ErrNoDevice is returned when a command needs a phone and none is connected.
	ErrNoDevice = errors.New("no device connected")
	// ErrCommandRejected is returned when the phone acknowledges a command with an error.
	ErrCommandRejected = errors.New("device rejected command")
	// ErrAckTimeout is returned when the phone does not acknowledge a command in time.
	ErrAckTimeout = errors.New("device did not acknowledge command")
)

// Opts holds configuration options for the Hub.
type Opts struct {
	Clock      clock.Clock
	AckTimeout time.Duration
	Metrics    *metrics.Collector
	// CheckOrigin overrides the websocket origin check; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Option defines a configuration option for the Hub.
type Option func(*Opts)

// WithClock sets the time source used for acknowledgement timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithAckTimeout sets how long commands wait for the phone's acknowledgement.
func WithAckTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AckTimeout = d }
}

// WithMetrics records connection counts on the collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithCheckOrigin sets the websocket origin check.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(o *Opts) { o.CheckOrigin = f }
}

type connection struct {
	id      string
	role    string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closing atomic.Bool
}

func (c *connection) write(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close shuts the connection down on the hub's initiative, so it is not reported as an
// unexpected disconnect.
func (c *connection) close(code int, reason string) {
	c.closing.Store(true)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.ws.Close()
}

type subscribers[T any] struct {
	next int
	m    map[int]T
}

func (s *subscribers[T]) add(v T) int {
	if s.m == nil {
		s.m = make(map[int]T)
	}
	id := s.next
	s.next++
	s.m[id] = v
	return id
}

func (s *subscribers[T]) snapshot() []T {
	out := make([]T, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}
	return out
}

// Hub tracks the connected devices and fans their streams out to subscribers.
type Hub struct {
	clock      clock.Clock
	ackTimeout time.Duration
	metrics    *metrics.Collector
	upgrader   websocket.Upgrader
	seq        atomic.Uint64

	mu           sync.RWMutex
	phone        *connection
	wearable     *connection
	motion       subscribers[func(float64)]
	speech       subscribers[func(string)]
	data         subscribers[func([]byte)]
	disconnect   subscribers[func()]
	fixHandler   func(models.Fix)
	pending      map[string]chan inbound
	speechOn     bool
	speechLocale string
	closed       bool
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	cfg := Opts{Clock: clock.New(), AckTimeout: DefaultAckTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		clock:      cfg.Clock,
		ackTimeout: cfg.AckTimeout,
		metrics:    cfg.Metrics,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		pending:    make(map[string]chan inbound),
	}
}

// ServeHTTP upgrades a device connection. The role query parameter selects phone or wearable.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		role = RolePhone
	}
	if role != RolePhone && role != RoleWearable {
		http.Error(w, "unknown device role", http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "device link shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeHTTP: upgrade failed", "role", role, "error", err)
		return
	}
	c := &connection{id: util.GenerateSessionID(role), role: role, ws: ws}
	h.register(c)
	defer h.unregister(c)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	h.readLoop(c)
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	var replaced *connection
	switch c.role {
	case RolePhone:
		replaced, h.phone = h.phone, c
	case RoleWearable:
		replaced, h.wearable = h.wearable, c
	}
	speechOn, locale := h.speechOn, h.speechLocale
	h.mu.Unlock()

	if replaced != nil {
		slog.Info("Hub.register: replacing existing connection", "role", c.role, "old", replaced.id, "new", c.id)
		replaced.close(websocket.CloseNormalClosure, "replaced by new connection")
	}
	h.metrics.DeviceConnected(c.role, 1)
	slog.Info("Hub.register: device connected", "role", c.role, "session", c.id)

	if c.role == RolePhone && speechOn {
		go func() {
			if err := c.write(Outbound{Type: MsgCommand, ID: h.nextID(), Action: ActionSpeechStart, Locale: locale}); err != nil {
				slog.Warn("Hub.register: failed to resume speech recognition", "error", err)
			}
		}()
	}
}

// unregister drops the connection and reports unexpected wearable loss.
func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	switch {
	case h.phone == c:
		h.phone = nil
	case h.wearable == c:
		h.wearable = nil
	}
	var onDisconnect []func()
	expected := c.closing.Load() || h.closed
	if c.role == RoleWearable && !expected {
		onDisconnect = h.disconnect.snapshot()
	}
	h.mu.Unlock()

	c.ws.Close()
	h.metrics.DeviceConnected(c.role, -1)
	slog.Info("Hub.unregister: device disconnected", "role", c.role, "session", c.id, "expected", expected)
	for _, cb := range onDisconnect {
		cb()
	}
}

func (h *Hub) pingLoop(c *connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				slog.Debug("Hub.pingLoop: ping failed", "session", c.id, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) readLoop(c *connection) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closing.Store(true)
			} else if !c.closing.Load() {
				slog.Warn("Hub.readLoop: connection lost", "role", c.role, "session", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.role == RoleWearable {
			h.dispatchData(payload)
			continue
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("Hub.readLoop: invalid frame", "session", c.id, "error", err)
			continue
		}
		h.dispatch(msg)
	}
}

func (h *Hub) dispatch(msg inbound) {
	switch msg.Type {
	case MsgMotion:
		h.mu.RLock()
		subs := h.motion.snapshot()
		h.mu.RUnlock()
		for _, cb := range subs {
			cb(msg.Magnitude)
		}
	case MsgSpeech:
		h.mu.RLock()
		subs := h.speech.snapshot()
		h.mu.RUnlock()
		for _, cb := range subs {
			cb(msg.Text)
		}
	case MsgFix:
		h.mu.RLock()
		handler := h.fixHandler
		h.mu.RUnlock()
		if handler != nil {
			handler(msg.fix())
		}
	case MsgWearable:
		h.dispatchData([]byte(msg.Data))
	case MsgWearableDisconnect:
		h.mu.RLock()
		subs := h.disconnect.snapshot()
		h.mu.RUnlock()
		slog.Warn("Hub.dispatch: phone reports wearable disconnected")
		for _, cb := range subs {
			cb()
		}
	case MsgAck:
		h.mu.Lock()
		ch, ok := h.pending[msg.ID]
		delete(h.pending, msg.ID)
		h.mu.Unlock()
		if ok {
			ch <- msg
		}
	default:
		slog.Debug("Hub.dispatch: ignoring frame", "type", msg.Type)
	}
}

func (h *Hub) dispatchData(data []byte) {
	h.mu.RLock()
	subs := h.data.snapshot()
	h.mu.RUnlock()
	for _, cb := range subs {
		cb(data)
	}
}

func (h *Hub) nextID() string {
	return strconv.FormatUint(h.seq.Add(1), 10)
}

func (h *Hub) phoneConn() *connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.phone
}

// Connected reports whether a device with the given role is connected.
func (h *Hub) Connected(role string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch role {
	case RolePhone:
		return h.phone != nil
	case RoleWearable:
		return h.wearable != nil
	}
	return false
}

// Command sends a command to the phone and waits for its acknowledgement.
func (h *Hub) Command(ctx context.Context, cmd Outbound) error {
	c := h.phoneConn()
	if c == nil {
		return ErrNoDevice
	}
	cmd.Type = MsgCommand
	cmd.ID = h.nextID()
	ch := make(chan inbound, 1)
	h.mu.Lock()
	h.pending[cmd.ID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, cmd.ID)
		h.mu.Unlock()
	}()

	if err := c.write(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Action, err)
	}

	timer := h.clock.Timer(h.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("%w: %s: %s", ErrCommandRejected, cmd.Action, ack.Error)
		}
		slog.Debug("Hub.Command: acknowledged", "action", cmd.Action, "id", cmd.ID)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrAckTimeout, cmd.Action)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers a frame to the phone without waiting for an acknowledgement.
func (h *Hub) send(msg Outbound) error {
	c := h.phoneConn()
	if c == nil {
		return ErrNoDevice
	}
	return c.write(msg)
}

// StartRecording asks the phone to start audio recording.
func (h *Hub) StartRecording(ctx context.Context) error {
	return auxError(h.Command(ctx, Outbound{Action: ActionRecordStart}))
}

// StopRecording asks the phone to stop audio recording.
func (h *Hub) StopRecording(ctx context.Context) error {
	return auxError(h.Command(ctx, Outbound{Action: ActionRecordStop}))
}

// SetIllumination switches the phone's torch.
func (h *Hub) SetIllumination(ctx context.Context, on bool) error {
	action := ActionTorchOff
	if on {
		action = ActionTorchOn
	}
	return auxError(h.Command(ctx, Outbound{Action: action}))
}

func auxError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", models.ErrAuxiliaryControlFailed, err)
}

// Compose opens the phone's SMS composer prefilled for the user to send.
func (h *Hub) Compose(ctx context.Context, phone, text string) error {
	return h.Command(ctx, Outbound{Action: ActionComposeSMS, Phone: phone, Text: text})
}

// Call asks the phone to dial a number. The phone only reports that dialing started.
func (h *Hub) Call(ctx context.Context, phone string) error {
	return h.Command(ctx, Outbound{Action: ActionDial, Phone: phone})
}

// RequestFix asks the phone to report its location as soon as possible.
func (h *Hub) RequestFix(ctx context.Context) error {
	return h.send(Outbound{Type: MsgCommand, ID: h.nextID(), Action: ActionLocationRequest})
}

// PushNotice forwards a notice to the phone. A missing phone is not an error.
func (h *Hub) PushNotice(n models.Notice) {
	if err := h.send(Outbound{Type: MsgNotice, Notice: &n}); err != nil && !errors.Is(err, ErrNoDevice) {
		slog.Warn("Hub.PushNotice: failed to push notice", "kind", n.Kind, "error", err)
	}
}

// Subscribe registers a motion magnitude callback.
func (h *Hub) Subscribe(cb func(magnitude float64)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.motion.add(cb)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.motion.m, id)
		h.mu.Unlock()
	}
}

// OnResult registers a recognized speech callback.
func (h *Hub) OnResult(cb func(text string)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.speech.add(cb)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.speech.m, id)
		h.mu.Unlock()
	}
}

// Start turns on speech recognition on the phone. The request is remembered and replayed
// when the phone reconnects.
func (h *Hub) Start(locale string) error {
	h.mu.Lock()
	h.speechOn = true
	h.speechLocale = locale
	h.mu.Unlock()
	err := h.send(Outbound{Type: MsgCommand, ID: h.nextID(), Action: ActionSpeechStart, Locale: locale})
	if errors.Is(err, ErrNoDevice) {
		slog.Info("Hub.Start: phone not connected, speech recognition starts on connect", "locale", locale)
		return nil
	}
	return err
}

// Stop turns off speech recognition on the phone.
func (h *Hub) Stop() error {
	h.mu.Lock()
	h.speechOn = false
	h.mu.Unlock()
	err := h.send(Outbound{Type: MsgCommand, ID: h.nextID(), Action: ActionSpeechStop})
	if errors.Is(err, ErrNoDevice) {
		return nil
	}
	return err
}

// OnData registers a wearable data callback.
func (h *Hub) OnData(cb func(data []byte)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.data.add(cb)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.data.m, id)
		h.mu.Unlock()
	}
}

// OnDisconnect registers a callback for unexpected wearable disconnection.
func (h *Hub) OnDisconnect(cb func()) (unsubscribe func()) {
	h.mu.Lock()
	id := h.disconnect.add(cb)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.disconnect.m, id)
		h.mu.Unlock()
	}
}

// OnFix sets the handler for location fixes reported by the phone.
func (h *Hub) OnFix(handler func(models.Fix)) {
	h.mu.Lock()
	h.fixHandler = handler
	h.mu.Unlock()
}

// Close disconnects every device and refuses new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := []*connection{h.phone, h.wearable}
	h.mu.Unlock()
	for _, c := range conns {
		if c != nil {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
	}
	slog.Info("Hub.Close: device link closed")
	return nil
}
