package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/config"
	"github.com/iotzator/homematrix/internal/ha"
	"github.com/iotzator/homematrix/internal/httpapi"
	"github.com/iotzator/homematrix/internal/mail"
	"github.com/iotzator/homematrix/internal/obs"
	"github.com/iotzator/homematrix/internal/perm"
	"github.com/iotzator/homematrix/internal/secrets"
	"github.com/iotzator/homematrix/internal/store/pg"
	"github.com/iotzator/homematrix/internal/store/redis"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := pg.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer store.Close()

	resets, err := redis.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("open redis: %v", err)
	}
	defer resets.Close()

	tokens, err := auth.NewTokenService([]byte(cfg.JWTSecret), cfg.AccessTokenTTL)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	box, err := secrets.NewBox(cfg.EncryptionKeyBytes())
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	var mailer auth.Mailer
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
	}

	svc, err := auth.NewService(auth.Options{
		Users:        store.Users(),
		Sessions:     store.Sessions(),
		Roles:        store.Roles(),
		Permissions:  store.Permissions(),
		Hosts:        store.Hosts(),
		Devices:      store.Devices(),
		ResetTokens:  resets,
		Activity:     store.ActivityLog(),
		Tokens:       tokens,
		Box:          box,
		Mailer:       mailer,
		RefreshTTL:   time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
		DeviceTTL:    time.Duration(cfg.DeviceTTLDays) * 24 * time.Hour,
		ResetURLBase: cfg.ResetURLBase,
	})
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	resolver := perm.NewResolver(store.Permissions())
	upstream := ha.NewClient(cfg.UpstreamTimeout)
	api := httpapi.New(svc, resolver, upstream, httpapi.ReadyProbe{DB: store.DB()}, cfg, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting homematrix %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
