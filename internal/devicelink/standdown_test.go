package devicelink_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/contacts"
	"github.com/BTreeMap/SOSPipe/internal/devicelink"
	"github.com/BTreeMap/SOSPipe/internal/location"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notify"
	"github.com/BTreeMap/SOSPipe/internal/sos"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// phone acks every command and shakes while it answers record_stop.
type phone struct {
	conn *websocket.Conn

	mu       sync.Mutex
	commands []devicelink.Outbound
}

func (p *phone) run() {
	for {
		var cmd devicelink.Outbound
		if err := p.conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type != devicelink.MsgCommand || cmd.Action == devicelink.ActionLocationRequest {
			continue
		}
		p.mu.Lock()
		p.commands = append(p.commands, cmd)
		p.mu.Unlock()

		if cmd.Action == devicelink.ActionRecordStop {
			for i := 0; i < 5; i++ {
				if err := p.conn.WriteJSON(map[string]interface{}{"type": devicelink.MsgMotion, "magnitude": 40}); err != nil {
					return
				}
			}
		}
		if err := p.conn.WriteJSON(map[string]interface{}{"type": devicelink.MsgAck, "id": cmd.ID, "ok": true}); err != nil {
			return
		}
	}
}

func (p *phone) seen(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.commands {
		if c.Action == action {
			n++
		}
	}
	return n
}

func TestHub_ShakeDuringStandDownDoesNotStallCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := devicelink.NewHub(devicelink.WithAckTimeout(time.Second))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	st := store.NewInMemoryStore()
	if err := st.AddContact(models.Contact{ID: "1", Name: "Mom", Phone: "555-0100"}); err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}
	tracker := location.NewTracker(location.WithMaxAge(time.Minute))
	hub.OnFix(tracker.Push)
	tracker.Push(models.Fix{Lat: 10, Lng: 20, Accuracy: 5})

	notifier := notify.NewNotifier(notify.WithAssistant(hub))
	engine := sos.NewEngine(st, contacts.NewBook(st), tracker, notifier,
		sos.WithAuxiliary(hub),
		sos.WithLocationTimeout(50*time.Millisecond),
	)
	defer engine.Close()

	sink := trigger.NewSink(ctx, engine, nil)
	shake := trigger.NewShakeDetector(sink.Emit)
	shake.Start(hub)
	defer shake.Stop()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/?role=" + devicelink.RolePhone
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	p := &phone{conn: conn}
	go p.run()
	waitFor(t, "phone registration", func() bool { return hub.Connected(devicelink.RolePhone) })

	if _, err := engine.Trigger(ctx, models.TriggerEvent{Source: models.TriggerSourceManual}); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	first := engine.Status().ID
	waitFor(t, "aux started", func() bool { return p.seen(devicelink.ActionTorchOn) == 1 })

	stood, err := engine.StandDown(ctx)
	if err != nil || !stood {
		t.Fatalf("StandDown() = %v, %v", stood, err)
	}
	if p.seen(devicelink.ActionRecordStop) != 1 || p.seen(devicelink.ActionTorchOff) != 1 {
		t.Errorf("expected aux stop commands to reach the phone, got record_stop=%d torch_off=%d",
			p.seen(devicelink.ActionRecordStop), p.seen(devicelink.ActionTorchOff))
	}

	receipts, err := st.GetReceipts(first)
	if err != nil {
		t.Fatalf("GetReceipts failed: %v", err)
	}
	var deactivation *models.Receipt
	for i := range receipts {
		if receipts[i].Kind == models.NotificationKindDeactivation {
			deactivation = &receipts[i]
		}
	}
	if deactivation == nil || deactivation.Status != models.MessageStatusSent || deactivation.Channel != notify.ChannelAssisted {
		t.Fatalf("expected deactivation delivered through the phone, got %+v", receipts)
	}

	// The shake is not lost: it starts a new episode once the stand-down is over.
	waitFor(t, "shake episode", func() bool {
		ep := engine.Status()
		return ep.Active && ep.ID != first && ep.TriggerSource == models.TriggerSourceShake
	})
}
