package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"jamchat/internal/auth"
	"jamchat/internal/backplane"
	"jamchat/internal/hub"
	"jamchat/internal/presence"
	"jamchat/internal/server"
	"jamchat/internal/storage"
)

type authConfig struct {
	TokenSecret string `env:"TOKEN_SECRET,required"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	authCfg := authConfig{}
	if err := env.Parse(&authCfg); err != nil {
		sugar.Fatalf("Cannot parse auth env config: %v", err)
	}

	backplaneCfg := backplane.Config{}
	if err := env.Parse(&backplaneCfg); err != nil {
		sugar.Fatalf("Cannot parse backplane env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, storageCfg, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	tracker := presence.New()

	var hubOpts []hub.Option
	var bp *backplane.Backplane
	if backplaneCfg.Enabled() {
		bp, err = backplane.New(sugar, backplaneCfg)
		if err != nil {
			sugar.Fatalf("Cannot create backplane: %v", err)
		}
		hubOpts = append(hubOpts, hub.WithRelay(bp))
	}

	h := hub.New(sugar, store, tracker, hubOpts...)

	if bp != nil {
		go bp.Run(h.DeliverFrame)
		defer bp.Close()
	}

	authenticator := auth.NewTokenAuthenticator([]byte(authCfg.TokenSecret))

	srv, err := server.New(sugar, store, h, authenticator,
		server.WithEnvConfig(serverCfg),
		server.ReadHeaderTimeout(5*time.Second),
	)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
