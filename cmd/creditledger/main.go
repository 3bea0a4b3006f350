package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/creditledger/internal/auth"
	"github.com/iurnickita/creditledger/internal/config"
	"github.com/iurnickita/creditledger/internal/events"
	"github.com/iurnickita/creditledger/internal/handler"
	"github.com/iurnickita/creditledger/internal/logger"
	"github.com/iurnickita/creditledger/internal/ratelimit"
	"github.com/iurnickita/creditledger/internal/service"
	"github.com/iurnickita/creditledger/internal/store"
	storeConfig "github.com/iurnickita/creditledger/internal/store/config"
	"github.com/iurnickita/creditledger/internal/store/memory"
	"github.com/iurnickita/creditledger/internal/store/postgres"
	"github.com/iurnickita/creditledger/internal/token"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = zaplog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, zaplog)
	if err != nil {
		return err
	}
	defer st.Close()

	// события после фиксации
	var pub events.Publisher = events.Nop()
	nc, err := events.Connect(cfg.NatsURL)
	if err != nil {
		return err
	}
	if nc != nil {
		bus := events.NewBus(nc)
		defer bus.Close()
		pub = bus
		zaplog.Info("publishing events to NATS", zap.String("url", cfg.NatsURL))
	}

	// дневные лимиты
	gate := ratelimit.Nop()
	rdb, err := ratelimit.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		gate = ratelimit.NewRedisGate(rdb, ratelimit.Limits{
			DailyRequests: cfg.Service.DailyRequestLimit,
			DailyTokens:   cfg.Service.DailyTokenLimit,
		})
	}

	svc, err := service.NewService(cfg.Service, st, pub, gate, zaplog)
	if err != nil {
		return err
	}
	defer svc.Close()

	keeper := token.NewKeeper(cfg.Handler.JWTSecret, 0)
	srv := handler.NewServer(cfg.Handler, auth.NewAuth(keeper), svc, zaplog)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zaplog.Info("server started", zap.String("addr", cfg.Handler.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Handler.ShutdownTimeout)
		defer cancel()
		zaplog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg storeConfig.Config, zaplog *zap.Logger) (store.Store, error) {
	if cfg.DBDsn == "" {
		zaplog.Warn("DATABASE_URI is empty, using in-memory store")
		return memory.New(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return postgres.New(connectCtx, cfg)
}
