package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/pieter-berkel/storageflow/route"
	"github.com/pieter-berkel/storageflow/server"
	"github.com/rs/zerolog/log"
)

type avatarInput struct {
	Username string `json:"username"`
}

// routes is the demo registry served by this binary.
func routes() *route.Registry {
	return route.MustRegistry(
		route.New("avatars").
			AllowedMimeTypes("image/*").
			MaxFileSize("4MB").
			Temporary().
			Input(route.JSONInput[avatarInput]()).
			Middleware(route.TypedMiddleware(func(_ context.Context, _ avatarInput, r *http.Request) (string, error) {
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if token == "" {
					return "", protocol.NewError(protocol.KindUnauthorized, "missing bearer token")
				}
				return token, nil
			})).
			Path(route.TypedPath(func(_ context.Context, in avatarInput, _ string) ([]any, error) {
				return []any{in.Username}, nil
			})),
		route.New("documents").
			AllowedMimeTypes("application/pdf", "text/*").
			MaxFileSize("50MB"),
		route.New("videos").
			AllowedMimeTypes("video/*"),
	)
}

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup runs before the process exits.
func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}
	closeLog := server.InitializeLogger(cfg.Log.Level, cfg.Log.File)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, server.Opts{Config: cfg, Routes: routes()})
	if err != nil {
		log.Error().Err(err).Msg("failed to create the server")
		return 1
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("failed to run the server")
		return 1
	}
	return 0
}
