package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoff-tech/metrika-bridge/pkg/config"
	"github.com/zoff-tech/metrika-bridge/pkg/crm"
	"github.com/zoff-tech/metrika-bridge/pkg/metrika"
	"github.com/zoff-tech/metrika-bridge/pkg/processor"
	"github.com/zoff-tech/metrika-bridge/pkg/resolver"
	"github.com/zoff-tech/metrika-bridge/pkg/routing"
	"github.com/zoff-tech/metrika-bridge/pkg/server"
	"github.com/zoff-tech/metrika-bridge/pkg/store"
	"github.com/zoff-tech/metrika-bridge/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "./cmd/bridge", "directory containing bridge.yaml")
	registerEvents := flag.Bool("register-events", false, "bind CRM deal event handlers and exit")
	unregisterEvents := flag.Bool("unregister-events", false, "unbind CRM deal event handlers and exit")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Error("configuration_error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crmClient := crm.NewClient(cfg.CRM, log.With("component", "crm"))

	if *registerEvents || *unregisterEvents {
		if err := bindEvents(ctx, crmClient, cfg.CRM.EventHandlerURL, *unregisterEvents); err != nil {
			log.Error("event_binding_failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Error("telemetry_init_failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	// Only an unreachable durable store at startup is allowed to be fatal.
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Error("store_init_failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	routes := routing.NewTable(repo, cfg.Routing, log.With("component", "routing"))
	res := resolver.New(crmClient, repo, repo, routes, cfg, log.With("component", "resolver"))
	sender := metrika.NewClient(cfg.Metrika, log.With("component", "metrika"))
	worker := processor.NewWorker(repo, repo, sender, cfg, log.With("component", "worker"))

	go worker.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(res, cfg.Server, cfg.Stages, log.With("component", "server")).Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("bridge_started", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func bindEvents(ctx context.Context, client *crm.Client, handlerURL string, unbind bool) error {
	if handlerURL == "" {
		return errors.New("crm.event_handler_url is not configured")
	}
	for _, event := range []string{"onCrmDealAdd", "onCrmDealUpdate"} {
		var err error
		if unbind {
			err = client.EventUnbind(ctx, event, handlerURL)
		} else {
			err = client.EventBind(ctx, event, handlerURL)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
