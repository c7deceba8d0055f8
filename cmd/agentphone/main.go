package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/flowpbx/agentphone/internal/alert"
	"github.com/flowpbx/agentphone/internal/api"
	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/config"
	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/device"
	"github.com/flowpbx/agentphone/internal/events"
	"github.com/flowpbx/agentphone/internal/followup"
	"github.com/flowpbx/agentphone/internal/health"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/queue"
	"github.com/flowpbx/agentphone/internal/retention"
	sipua "github.com/flowpbx/agentphone/internal/sip"
	"github.com/flowpbx/agentphone/internal/transport"
)

const (
	// alertTimeout bounds a single notifier delivery.
	alertTimeout      = 10 * time.Second
	retentionInterval = 6 * time.Hour
)

func main() {
	startTime := time.Now()

	if len(os.Args) > 1 && os.Args[1] == "hash-pin" {
		if err := hashPIN(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting agentphone",
		"http_port", cfg.HTTPPort,
		"registrar", cfg.SIPRegistrar,
		"transport", cfg.SIPTransport,
		"campaign", cfg.Campaign,
		"data_dir", cfg.DataDir,
	)

	if err := run(cfg, logger, startTime); err != nil {
		slog.Error("agentphone failed", "error", err)
		os.Exit(1)
	}
	slog.Info("agentphone stopped")
}

func run(cfg *config.Config, logger *slog.Logger, startTime time.Time) error {
	injector := setupDI(cfg, logger, startTime)

	db, err := do.Invoke[*database.DB](injector)
	if err != nil {
		return err
	}
	defer db.Close()

	ua, err := do.Invoke[*sipua.UA](injector)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}
	mediaMgr, err := do.Invoke[*media.Manager](injector)
	if err != nil {
		return fmt.Errorf("creating media manager: %w", err)
	}
	notifier, err := do.Invoke[alert.Notifier](injector)
	if err != nil {
		return err
	}
	srv, err := do.Invoke[*http.Server](injector)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	apiSrv := do.MustInvoke[*api.Server](injector)
	defer apiSrv.Close()

	engine := do.MustInvoke[*callctl.Engine](injector)
	line := do.MustInvoke[*transport.Manager](injector)
	monitor := do.MustInvoke[*health.Monitor](injector)
	queueMgr := do.MustInvoke[*queue.Manager](injector)
	poller := do.MustInvoke[*queue.Poller](injector)
	watch := do.MustInvoke[*followup.Watch](injector)
	devices := do.MustInvoke[*device.Registry](injector)
	bus := do.MustInvoke[*events.Bus](injector)
	cleaner := do.MustInvoke[*retention.Cleaner](injector)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	wire(appCtx, wiring{
		engine:   engine,
		line:     line,
		monitor:  monitor,
		queue:    queueMgr,
		poller:   poller,
		watch:    watch,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
	})
	ua.SetHandler(engine)

	if err := devices.Refresh(appCtx); err != nil {
		slog.Warn("enumerating audio devices", "error", err)
	}
	go devices.Watch(appCtx)

	if err := ua.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip user agent: %w", err)
	}
	defer ua.Stop()

	if err := engine.Start(appCtx); err != nil {
		return fmt.Errorf("starting call engine: %w", err)
	}

	go monitor.Run(appCtx, cfg.HealthTick)
	go cleaner.Run(appCtx, retentionInterval)
	if cfg.BackendURL != "" {
		go poller.Run(appCtx)
		go watch.Run(appCtx)
	} else {
		slog.Warn("no backend-url configured, queue sync, follow-ups and recording are disabled")
	}

	if err := line.Connect(appCtx); err != nil {
		slog.Error("failed to start registration", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown in reverse start order.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	engine.Stop()
	if err := line.Disconnect(ctx); err != nil {
		slog.Warn("unregister on shutdown", "error", err)
	}
	mediaMgr.ReleaseAll()
	appCancel()

	return runErr
}

// wiring holds the services whose notifications are cross-connected.
type wiring struct {
	engine   *callctl.Engine
	line     *transport.Manager
	monitor  *health.Monitor
	queue    *queue.Manager
	poller   *queue.Poller
	watch    *followup.Watch
	bus      *events.Bus
	notifier alert.Notifier
	logger   *slog.Logger
}

// wire connects component callbacks to the event bus, the health monitor
// and the notifiers. Engine listeners run on the engine goroutine, so slow
// deliveries are moved off it.
func wire(ctx context.Context, w wiring) {
	notify := func(a alert.Alert) {
		go func() {
			nctx, cancel := context.WithTimeout(ctx, alertTimeout)
			defer cancel()
			if err := w.notifier.Notify(nctx, a); err != nil {
				w.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
			}
		}()
	}

	w.engine.OnEvent(func(ev callctl.Event) {
		switch ev.Type {
		case callctl.EventState:
			w.queue.SetRinging(ev.State.Phase == callctl.PhaseRingingLocal)
			w.bus.Publish(events.TypeState, ev.State)
		case callctl.EventTick:
			w.bus.Publish(events.TypeTick, map[string]int{"duration": ev.State.Seconds})
		case callctl.EventNotice:
			w.bus.Publish(events.TypeNotice, ev.Notice)
			if ev.Notice != nil && ev.Notice.Persistent {
				notify(alert.Alert{
					Type:  alert.TypeNotice,
					Title: string(ev.Notice.Kind),
					Body:  ev.Notice.Message,
				})
			}
		}
	})

	w.line.OnStateChange(func(st transport.Status) {
		w.bus.Publish(events.TypeRegistration, st)
	})
	w.line.OnPermissionDenied(func(err error) {
		n := &callctl.Notice{
			Kind:       callctl.KindMediaPermissionDenied,
			Severity:   callctl.SeverityError,
			Message:    "microphone unavailable: " + err.Error(),
			Persistent: true,
			At:         time.Now(),
		}
		w.bus.Publish(events.TypeNotice, n)
		notify(alert.Alert{Type: alert.TypeNotice, Title: string(n.Kind), Body: n.Message})
	})
	w.line.OnTimeout(func(ev transport.TimeoutEvent) {
		w.monitor.Observe(ev.At)
	})
	w.monitor.OnChange(func(level int) {
		w.bus.Publish(events.TypeSignal, level)
	})

	w.queue.OnChange(func(snap queue.Snapshot) {
		w.bus.Publish(events.TypeQueue, snap)
	})
	wirePoller(w.poller, w.engine.State, w.bus)

	w.watch.OnChange(func(snap followup.Snapshot) {
		w.bus.Publish(events.TypeFollowUps, snap)
	})
	w.watch.OnAlert(func(it followup.Item) {
		w.bus.Publish(events.TypeAlert, it)
		notify(alert.Alert{
			Type:  alert.TypeFollowUpDue,
			Title: "Callback due",
			Body:  followUpBody(it),
			Data:  map[string]string{"followup_id": it.ID, "phone": it.Phone},
		})
	})
}

// wirePoller keeps the caller ringing locally through backend syncs and
// surfaces failed polls as notices.
func wirePoller(p *queue.Poller, state func() callctl.State, bus *events.Bus) {
	p.Ringing = func() string {
		st := state()
		if st.Phase != callctl.PhaseRingingLocal || st.Session == nil {
			return ""
		}
		return st.Session.Number
	}
	p.OnError = func(err error) {
		bus.Publish(events.TypeNotice, &callctl.Notice{
			Kind:     callctl.KindQueueSyncFailure,
			Severity: callctl.SeverityWarning,
			Message:  "queue sync failed: " + err.Error(),
			At:       time.Now(),
		})
	}
}

func followUpBody(it followup.Item) string {
	at := it.Target.Local().Format("15:04")
	if it.Comment == "" {
		return "Callback at " + at
	}
	return fmt.Sprintf("Callback at %s: %s", at, it.Comment)
}

// hashPIN reads a PIN from the first line of in and writes its hash for
// AGENTPHONE_AGENT_PIN_HASH.
func hashPIN(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading pin: %w", err)
	}
	pin := strings.TrimSpace(line)
	if pin == "" {
		return errors.New("pin must not be empty")
	}
	hash, err := api.HashPIN(pin)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
