package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"

	"github.com/flowpbx/agentphone/internal/alert"
	"github.com/flowpbx/agentphone/internal/api"
	"github.com/flowpbx/agentphone/internal/api/middleware"
	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/config"
	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/device"
	"github.com/flowpbx/agentphone/internal/events"
	"github.com/flowpbx/agentphone/internal/followup"
	"github.com/flowpbx/agentphone/internal/health"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/metrics"
	"github.com/flowpbx/agentphone/internal/queue"
	"github.com/flowpbx/agentphone/internal/retention"
	sipua "github.com/flowpbx/agentphone/internal/sip"
	"github.com/flowpbx/agentphone/internal/transport"
)

// setupDI registers every service. Nothing is constructed until invoked.
func setupDI(cfg *config.Config, logger *slog.Logger, startTime time.Time) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)

	registerStorage(injector)
	registerSignaling(injector)
	registerMedia(injector)
	registerBackend(injector)
	registerEngine(injector)
	registerHTTP(injector, startTime)

	return injector
}

func registerStorage(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*database.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		db, err := database.Open(cfg.DatabaseDriver(), cfg.DataDir, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		return db, nil
	})
	do.Provide(injector, func(i do.Injector) (database.CallLogRepository, error) {
		return database.NewCallLogRepository(do.MustInvoke[*database.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (database.MissedCallRepository, error) {
		return database.NewMissedCallRepository(do.MustInvoke[*database.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*database.CallStore, error) {
		return database.NewCallStore(do.MustInvoke[*database.DB](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*retention.Cleaner, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return retention.NewCleaner(
			do.MustInvoke[database.CallLogRepository](i),
			do.MustInvoke[database.MissedCallRepository](i),
			cfg.RetentionDays,
			do.MustInvoke[*slog.Logger](i),
		), nil
	})
}

func registerSignaling(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*sipua.UA, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if !cfg.Registered() {
			return nil, fmt.Errorf("sip-registrar is required")
		}
		return sipua.NewUA(sipua.Options{
			Registrar:   cfg.SIPRegistrar,
			Proxy:       cfg.SIPProxy,
			Transport:   cfg.SIPTransport,
			Username:    cfg.SIPUsername,
			AuthUser:    cfg.SIPAuthUser,
			Password:    cfg.SIPPassword,
			Domain:      cfg.SIPDomain,
			DisplayName: cfg.SIPDisplayName,
			ListenAddr:  cfg.SIPListenAddr,
			Trace:       sipua.ParseTraceLevel(cfg.SIPTrace),
		}, do.MustInvoke[*slog.Logger](i))
	})
	do.Provide(injector, func(i do.Injector) (*transport.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		line := transport.NewManager(do.MustInvoke[*sipua.UA](i), transport.Options{
			Expiry:            cfg.RegisterExpiry,
			RegisterTimeout:   cfg.RegisterTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
			KeepaliveTimeout:  cfg.KeepaliveTimeout,
			BackoffBase:       cfg.BackoffBase,
			BackoffMax:        cfg.BackoffMax,
			RetryBudget:       cfg.RetryBudget,
		}, do.MustInvoke[*slog.Logger](i))
		line.SetPermissionChecker(do.MustInvoke[*device.Registry](i))
		return line, nil
	})
	do.Provide(injector, func(i do.Injector) (*health.Monitor, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return health.NewMonitor(cfg.HealthWindow, time.Now, do.MustInvoke[*slog.Logger](i)), nil
	})
}

func registerMedia(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*device.Registry, error) {
		return device.NewRegistry(device.NullBackend{}, do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*media.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return media.NewManager(media.Options{
			IP:          cfg.MediaIP,
			AdvertiseIP: cfg.AdvertisedMediaIP(),
			PortMin:     cfg.RTPPortMin,
			PortMax:     cfg.RTPPortMax,
		}, do.MustInvoke[*device.Registry](i), do.MustInvoke[*slog.Logger](i))
	})
}

func registerBackend(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*backend.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return backend.NewClient(backend.Options{
			BaseURL: cfg.BackendURL,
			Token:   cfg.BackendToken,
			Rate:    cfg.BackendRate,
		}, do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*queue.Manager, error) {
		return queue.NewManager(do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*queue.Poller, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return queue.NewPoller(
			do.MustInvoke[*queue.Manager](i),
			do.MustInvoke[*backend.Client](i),
			cfg.Campaign, cfg.QueuePoll,
			do.MustInvoke[*slog.Logger](i),
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*followup.Watch, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return followup.NewWatch(do.MustInvoke[*backend.Client](i), followup.Options{
			Lead: cfg.FollowUpLead,
			Poll: cfg.FollowUpPoll,
			Tick: cfg.FollowUpTick,
		}, do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (alert.Notifier, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		notifiers := alert.Multi{alert.NewLogNotifier(logger)}
		if cfg.FCMCredentials != "" {
			fcm, err := alert.NewFCMNotifier(context.Background(), cfg.FCMCredentials, cfg.FCMDeviceToken, logger)
			if err != nil {
				return nil, fmt.Errorf("initializing fcm: %w", err)
			}
			notifiers = append(notifiers, fcm)
		}
		if cfg.PushGatewayURL != "" {
			gw, err := alert.NewGatewayNotifier(cfg.PushGatewayURL, cfg.PushGatewayKey, cfg.PushToken, cfg.PushPlatform, logger)
			if err != nil {
				return nil, fmt.Errorf("initializing push gateway: %w", err)
			}
			notifiers = append(notifiers, gw)
		}
		if cfg.AlertEmail != "" {
			mail, err := alert.NewEmailNotifier(alert.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				From:     cfg.SMTPFrom,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				TLS:      cfg.SMTPTLS,
			}, cfg.AlertEmail, logger)
			if err != nil {
				return nil, fmt.Errorf("initializing alert email: %w", err)
			}
			notifiers = append(notifiers, mail)
		}
		return notifiers, nil
	})
	do.Provide(injector, func(i do.Injector) (*events.Bus, error) {
		return events.NewBus(64), nil
	})
}

func registerEngine(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*callctl.Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		mgr := do.MustInvoke[*media.Manager](i)
		client := do.MustInvoke[*backend.Client](i)

		engine := callctl.New(callctl.Deps{
			Signaling: do.MustInvoke[*sipua.UA](i),
			Media: func(id string) callctl.MediaSession {
				return mgr.NewSession(id)
			},
			Recorder:  client,
			Store:     do.MustInvoke[*database.CallStore](i),
			Submitter: client,
			Queue:     do.MustInvoke[*queue.Manager](i),
			Devices:   do.MustInvoke[*device.Registry](i),
		}, callctl.Options{
			DialTimeout:   cfg.DialTimeout,
			AnswerTimeout: cfg.AnswerTimeout,
			RingTimeout:   cfg.RingTimeout,
			Campaign:      cfg.Campaign,
		}, do.MustInvoke[*slog.Logger](i))
		return engine, nil
	})
}

func registerHTTP(injector do.Injector, startTime time.Time) {
	do.Provide(injector, func(i do.Injector) (*metrics.Collector, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return metrics.NewCollector(metrics.Providers{
			Engine:    do.MustInvoke[*callctl.Engine](i),
			Transport: do.MustInvoke[*transport.Manager](i),
			Signal:    do.MustInvoke[*health.Monitor](i),
			Queue:     do.MustInvoke[*queue.Manager](i),
			Missed:    do.MustInvoke[database.MissedCallRepository](i),
			FollowUps: do.MustInvoke[*followup.Watch](i),
			Campaign:  cfg.Campaign,
		}, startTime), nil
	})
	do.Provide(injector, func(i do.Injector) (*api.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		secret, err := cfg.JWTSecretBytes()
		if err != nil {
			return nil, err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			do.MustInvoke[*metrics.Collector](i),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		deps := api.Deps{
			Engine:    do.MustInvoke[*callctl.Engine](i),
			Line:      do.MustInvoke[*transport.Manager](i),
			Signal:    do.MustInvoke[*health.Monitor](i),
			Queue:     do.MustInvoke[*queue.Manager](i),
			FollowUps: do.MustInvoke[*followup.Watch](i),
			Devices:   do.MustInvoke[*device.Registry](i),
			Calls:     do.MustInvoke[database.CallLogRepository](i),
			Missed:    do.MustInvoke[database.MissedCallRepository](i),
			Events:    do.MustInvoke[*events.Bus](i),
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		if client := do.MustInvoke[*backend.Client](i); client.Configured() {
			deps.Leads = client
			deps.Remote = client
		}

		return api.NewServer(deps, api.Options{
			AgentName:   cfg.AgentName,
			PINHash:     cfg.AgentPINHash,
			JWTSecret:   secret,
			Campaign:    cfg.Campaign,
			CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		}, do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*http.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:     do.MustInvoke[*api.Server](i),
			ReadTimeout: 10 * time.Second,
			// No WriteTimeout: it would cut the long-lived event stream.
			IdleTimeout: 60 * time.Second,
		}, nil
	})
}
