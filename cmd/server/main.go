package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/signal-relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	slog.Info("starting signaling relay")

	config := server.NewConfigFromEnv()
	relay := server.New(*config, slog.Default())

	ln, err := server.Listen(relay.Config())
	if err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- relay.Serve(ctx, ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("relay stopped", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down relay")
	if err := relay.Shutdown(shutdownTimeout); err != nil {
		slog.Error("relay shutdown incomplete", "error", err)
	}
	<-serveErr

	rooms, members := relay.Registry().Stats()
	slog.Info("relay stopped", "rooms", rooms, "members", members)
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
