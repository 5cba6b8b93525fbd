package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/cyto-check/internal/classifier"
	"github.com/example/cyto-check/internal/config"
	"github.com/example/cyto-check/internal/gemini"
	"github.com/example/cyto-check/internal/grpcclient"
	"github.com/example/cyto-check/internal/handlers"
	"github.com/example/cyto-check/internal/imageprocessor"
	"github.com/example/cyto-check/internal/logging"
	"github.com/example/cyto-check/internal/usecase"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	backend, closeBackend := initBackend(ctx, cfg, logger)
	defer closeBackend()

	client := classifier.NewClient(backend, logger)
	normalizer := imageprocessor.NewNormalizer(logger, cfg.MaxPixels)
	augmenter := imageprocessor.NewAugmenter(logger, imageprocessor.WithMaxPixels(cfg.MaxPixels))

	var opts []usecase.Option
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.CacheTTL))
	} else {
		logger.Info("classification cache disabled")
	}

	uc := usecase.NewDiagnosisUseCase(normalizer, augmenter, client, logger, opts...)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go uc.RunSweeper(sweepCtx, sweepInterval, cfg.SessionIdleTimeout)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc)

	server := newServer(cfg.HTTPAddr, r, uc, stopSweeper, logger)

	logger.Info("cytology API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", backend.Name()),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newServer builds the HTTP server. Shutdown stops the idle sweeper so no
// session is expired while its last requests drain.
func newServer(addr string, handler http.Handler, uc *usecase.DiagnosisUseCase, stopSweeper context.CancelFunc, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	server.RegisterOnShutdown(func() {
		stopSweeper()
		logger.Info("session sweeper stopped", zap.Int("active_sessions", uc.ActiveSessions()))
	})
	return server
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development {
		return logging.NewDevelopmentLogger()
	}
	return logging.NewLogger()
}

func initBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Backend, func()) {
	switch cfg.Backend {
	case config.BackendGRPC:
		backend, conn, err := grpcclient.DialClassifier(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to classification gateway", zap.Error(err))
		}
		return backend, func() { conn.Close() }
	default:
		if config.APIKey() == "" {
			logger.Warn("API_KEY is not set; classification requests will fail until it is provided")
		}
		backend := gemini.New(gemini.Config{
			Endpoint: cfg.GeminiEndpoint,
			Model:    cfg.GeminiModel,
			Timeout:  cfg.GeminiTimeout,
			APIKey:   config.APIKey,
		}, nil, logger)
		return backend, func() {}
	}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal, draining in-flight requests",
			zap.String("signal", sig.String()),
			zap.Duration("timeout", shutdownTimeout),
		)
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("shutdown deadline reached with requests in flight", zap.Error(err))
			return err
		}
		logger.Info("in-flight requests drained", zap.Duration("elapsed", time.Since(start)))
		return <-errCh
	}
}
