package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/adminapi"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/identity"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate the application tables, then exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(adminapi.ServiceName, adminapi.Version)
		return
	}
	if *h {
		flag.Usage()
		return
	}

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(); err != nil {
		zap.L().Fatal("application init failed", zap.Error(err))
	}
	defer application.Release()

	if *initdb {
		application.DropAll()
		if err := application.MigrateDB(true); err != nil {
			zap.L().Fatal("migrate database", zap.Error(err))
		}
		return
	}

	if err := run(application); err != nil {
		zap.L().Error("wabridge stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(application *app.Application) error {
	cfg := application.Config()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := identity.NewResolver(identity.NewGormRepository(application.DB()), cfg.WhatsApp.IdentityCacheSize)
	if err != nil {
		return err
	}
	dispatcher := webhook.NewDispatcher(webhook.Options{
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		RetryBase:   cfg.Webhook.RetryBase,
		RetryMax:    cfg.Webhook.RetryMax,
	})
	registry := session.NewRegistry(
		whatsapp.NewProvider(cfg.GetSessionsDir()),
		application.SessionRepository(),
		resolver,
		dispatcher,
		session.Options{
			StartTimeout:  cfg.WhatsApp.StartTimeout,
			ReconnectBase: cfg.WhatsApp.ReconnectBase,
			ReconnectCap:  cfg.WhatsApp.ReconnectCap,
			ReplayWorkers: cfg.WhatsApp.ReplayWorkers,
			EventBuffer:   cfg.WhatsApp.EventBuffer,
			QueueSize:     cfg.Webhook.QueueSize,
			PrintQR:       cfg.WhatsApp.PrintQR,
		},
	)
	application.WatchSessions(registry)

	webserver.Init(cfg)
	adminapi.Init(registry, application.DB())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webserver.Listen(gctx)
	})
	g.Go(func() error {
		n, err := registry.Replay(gctx)
		if err != nil {
			zap.L().Error("session replay failed", zap.Error(err))
			return nil
		}
		zap.L().Info("sessions restored", zap.Int("count", n))
		return nil
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	zap.L().Info("wabridge stopped")
	return err
}
