package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/safewatch/backend/internal/alert"
	"github.com/safewatch/backend/internal/config"
	"github.com/safewatch/backend/internal/frontend"
	"github.com/safewatch/backend/internal/ingress"
	"github.com/safewatch/backend/internal/notify"
	"github.com/safewatch/backend/internal/session"
	"github.com/safewatch/backend/internal/sim"
	"github.com/safewatch/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	simEnabled := flag.Bool("sim", true, "Run the simulated GPS/voice feed")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	store := session.NewStore(cfg.Session.HistoryCapacity)
	hub := ws.NewHub(store, cfg.Broadcast.QueueCapacity, cfg.Broadcast.SnapshotInterval)
	defer hub.Stop()

	notifiers := buildNotifiers(cfg)
	names := make([]string, len(notifiers))
	for i, n := range notifiers {
		names[i] = n.Name()
	}
	log.Printf("notifiers: %v", names)

	policy := alert.RetryPolicy{
		MaxAttempts:  cfg.Alerts.MaxAttempts,
		InitialDelay: cfg.Alerts.InitialDelay,
		Multiplier:   cfg.Alerts.Multiplier,
		MaxDelay:     cfg.Alerts.MaxDelay,
	}
	dispatcher := alert.NewDispatcher(notifiers, policy, cfg.Alerts.AttemptTimeout)

	in := ingress.New(store, hub, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Simulator.Enabled && *simEnabled {
		opts := sim.Options{
			UpdateInterval:     cfg.Simulator.UpdateInterval,
			AlertInterval:      cfg.Simulator.AlertInterval,
			AlertWindow:        cfg.Simulator.AlertWindow,
			CenterLat:          cfg.Simulator.CenterLat,
			CenterLon:          cfg.Simulator.CenterLon,
			Radius:             cfg.Simulator.Radius,
			TriggerProbability: cfg.Simulator.TriggerProbability,
			Keywords:           cfg.Simulator.Keywords,
		}
		log.Println("Starting simulated feed")
		sim.New(in, store, opts, nil).Start(ctx)
	}

	server := ws.NewServer(store, hub, in, dispatcher, cfg.Session.DeviceID,
		names, frontend.Handler(), cfg.Server.AllowedOrigins, cfg.Server.Token)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		hub.Stop()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildNotifiers assembles the alert channels from config. With nothing
// configured it falls back to the no-op notifier so the pipeline still
// records delivery tasks.
func buildNotifiers(cfg *config.Config) []notify.Notifier {
	var notifiers []notify.Notifier

	if cfg.Notifiers.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Notifiers.Telegram.Token, cfg.Notifiers.Telegram.ChatIDs)
		if err != nil {
			log.Printf("telegram disabled: %v", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	for _, wh := range cfg.Notifiers.Webhooks {
		if wh.URL == "" {
			continue
		}
		name := wh.Name
		if name == "" {
			name = "webhook"
		}
		notifiers = append(notifiers, notify.NewWebhook(name, wh.URL))
	}

	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.Noop{})
	}
	return notifiers
}
