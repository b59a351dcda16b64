package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/handlers"
	"github.com/Brownie44l1/plantdx-api/internal/logging"
	"github.com/Brownie44l1/plantdx-api/internal/metrics"
	"github.com/Brownie44l1/plantdx-api/internal/model"
)

// runServe loads the model and serves HTTP until SIGINT or SIGTERM. A model that fails to load
// keeps the server from starting at all.
func runServe(a *app) error {
	logger := a.logger
	settings := a.settings

	var m *metrics.Metrics
	if settings.Metrics.Enabled {
		var err error
		if m, err = metrics.New(); err != nil {
			logger.Error("failed to initialize metrics", zap.Error(err))
			return err
		}
	}

	opts, err := a.loadOptions()
	if err != nil {
		logger.Error("invalid model options", zap.Error(err))
		return err
	}

	logger.Info("loading model", zap.String("dir", opts.Dir), zap.Strings("weights", opts.Weights))
	classifier, err := model.Load(opts, logger)
	if err != nil {
		logger.Error("failed to load model", logging.ErrorFields(err)...)
		return err
	}
	defer func() {
		if err := classifier.Close(); err != nil {
			logger.Warn("failed to release classifier", zap.Error(err))
		}
		if err := model.DestroyRuntime(); err != nil {
			logger.Warn("failed to destroy onnx runtime", zap.Error(err))
		}
	}()

	h := handlers.NewHandler(classifier, handlers.Options{
		MaxUploadBytes: settings.Server.MaxUploadBytes,
		Device:         string(opts.Device),
		Metrics:        m,
		Logger:         logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(h)
	router.MaxMultipartMemory = settings.Server.MaxUploadBytes

	server := &http.Server{
		Addr:              settings.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server listening",
		zap.String("addr", server.Addr),
		zap.Int("classes", classifier.Catalog().Len()),
		zap.String("device", classifier.Info().Device),
		zap.Bool("metrics", m != nil))
	if err := serveHTTPServer(server, settings.Server.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a shutdown signal arrives, then
// drains in-flight requests for up to shutdownTimeout. A nil listener listens on server.Addr and
// a nil signals channel subscribes to SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signals <-chan os.Signal) error {
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	served := make(chan error, 1)
	go func() {
		served <- serve(server, listener)
	}()

	var sig os.Signal
	select {
	case err := <-served:
		return err
	case s, ok := <-signals:
		if !ok {
			return <-served
		}
		sig = s
	}

	logger.Info("shutting down", zap.String("signal", sig.String()), zap.Duration("timeout", shutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-served
}

func serve(server *http.Server, listener net.Listener) error {
	var err error
	if listener != nil {
		err = server.Serve(listener)
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
