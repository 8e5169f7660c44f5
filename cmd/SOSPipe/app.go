package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SOSPipe/internal/api"
	"github.com/BTreeMap/SOSPipe/internal/contacts"
	"github.com/BTreeMap/SOSPipe/internal/devicelink"
	"github.com/BTreeMap/SOSPipe/internal/location"
	"github.com/BTreeMap/SOSPipe/internal/lockfile"
	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/metrics"
	"github.com/BTreeMap/SOSPipe/internal/notice"
	"github.com/BTreeMap/SOSPipe/internal/notify"
	"github.com/BTreeMap/SOSPipe/internal/scheduler"
	"github.com/BTreeMap/SOSPipe/internal/settings"
	"github.com/BTreeMap/SOSPipe/internal/sos"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/BTreeMap/SOSPipe/internal/twiliophone"
	"github.com/BTreeMap/SOSPipe/internal/whatsapp"
	"github.com/benbjohnson/clock"
)

// run wires every module together and serves until ctx is canceled.
// An episode still active at shutdown stays persisted and is resumed on the next start.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	prefs, err := settings.Load(st)
	if err != nil {
		return err
	}

	clk := clock.New()
	collector := metrics.NewCollector(metrics.DefaultNamespace)
	hub := devicelink.NewHub(devicelink.WithClock(clk), devicelink.WithMetrics(collector))
	defer hub.Close()

	board := notice.NewBoard(clk, notice.DefaultCapacity)
	board.Subscribe(hub.PushNotice)

	tracker := location.NewTracker(location.WithClock(clk), location.WithRequester(hub.RequestFix))
	hub.OnFix(tracker.Push)

	book := contacts.NewBook(st)

	notifyOpts := []notify.Option{notify.WithAssistant(hub), notify.WithNotices(board)}
	var twilioClient *twiliophone.Client
	if c, err := twiliophone.NewClient(buildTwilioOptions(flags)...); err != nil {
		slog.Warn("Twilio unavailable, SMS falls back to assisted sending", "error", err)
	} else {
		twilioClient = c
		sms := messaging.NewTwilioService(c)
		defer sms.Stop()
		notifyOpts = append(notifyOpts, notify.WithService(sms))
	}
	if *flags.whatsappEnabled {
		waClient, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			slog.Warn("WhatsApp unavailable, continuing without it", "error", err)
		} else {
			wa := messaging.NewWhatsAppService(waClient)
			if err := wa.Start(ctx); err != nil {
				slog.Warn("WhatsApp event handling not started", "error", err)
			}
			defer wa.Stop()
			notifyOpts = append(notifyOpts, notify.WithService(wa))
		}
	}
	notifier := notify.NewNotifier(notifyOpts...)

	engineOpts := append(buildEngineOptions(flags),
		sos.WithClock(clk),
		sos.WithDialer(selectDialer(*flags.dialMode, twilioClient, hub, *flags.userName)),
		sos.WithAuxiliary(hub),
		sos.WithNotices(board),
		sos.WithMetrics(collector),
		sos.WithSettings(prefs),
	)
	engine := sos.NewEngine(st, book, tracker, notifier, engineOpts...)
	defer engine.Close()

	sink := trigger.NewSink(ctx, engine, clk)
	detectors := trigger.NewSet(sink.Emit, hub, hub, hub)
	defer detectors.Close()
	detectors.Apply(prefs.Get())
	prefs.OnChange(detectors.Apply)

	if err := engine.Recover(ctx); err != nil {
		slog.Error("Failed to resume interrupted episode", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	retention := scheduler.NewRetentionJob(st, *flags.retentionDays, clk)
	if err := scheduler.ScheduleRetention(sched, retention, *flags.retentionCron); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Engine:   engine,
		Contacts: book,
		Settings: prefs,
		Location: tracker,
		Notices:  board,
		Store:    st,
	}, append(buildAPIOptions(flags), api.WithMetrics(collector), api.WithDeviceLink(hub), api.WithClock(clk))...)

	return server.Run(ctx)
}

// selectDialer picks the escalation dialer. Device mode, or Twilio being unavailable,
// places calls through the paired phone.
func selectDialer(mode string, caller *twiliophone.Client, hub *devicelink.Hub, userName string) sos.Dialer {
	if mode == DialModeTwilio && caller != nil {
		return sos.NewVoiceDialer(caller, sos.Composer{UserName: userName}.CallAnnouncement())
	}
	if mode == DialModeTwilio {
		slog.Warn("Twilio dial mode requested but Twilio is not configured, dialing through the device")
	} else if mode != DialModeDevice {
		slog.Warn("Unknown dial mode, dialing through the device", "dial_mode", mode)
	}
	return hub
}
