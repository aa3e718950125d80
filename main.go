package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konaocr/config"
	"github.com/krau/konaocr/onnx"
	"github.com/krau/konaocr/server"
	"github.com/krau/konaocr/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	slog.Info("Starting KonaOCR")

	if err := run(ctx); err != nil {
		slog.Error("Exiting", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cfg, err := config.Load("config.toml")
	if err != nil {
		return err
	}

	if err := onnx.Init(cfg.Libonnx); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	defer onnx.Destroy()

	predictor := service.New(cfg, onnx.Loader)
	defer predictor.Close()
	srv := server.New(predictor, cfg.Token)

	gin.SetMode(gin.ReleaseMode)
	addr := cfg.Host + ":" + cfg.Port
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}
	slog.Info("Listening on", slog.String("address", addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel(fmt.Errorf("server error: %w", err))
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := predictor.Setup(ctx); err != nil {
		srv.SetupFailed()
		return fmt.Errorf("setup failed: %w", err)
	}
	slog.Info("Ready for predictions")

	<-ctx.Done()
	slog.Info("shutting down")
	if err := context.Cause(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
