// Package svc builds the process dependency graph: store, caches, exchange
// provider, executor, liquidation engine, event router, stream consumers and
// the risk facade, all constructed at startup and passed down explicitly.
package svc

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	pmscache "pms-api/internal/cache"
	"pms-api/internal/config"
	"pms-api/internal/events"
	"pms-api/internal/liquidation"
	"pms-api/internal/price"
	"pms-api/internal/risk"
	"pms-api/internal/store"
	"pms-api/internal/stream"
	"pms-api/internal/trade"
	"pms-api/internal/types"
	"pms-api/pkg/exchange"
	"pms-api/pkg/exchange/sim"
)

// ServiceContext holds every constructed subsystem.
type ServiceContext struct {
	Config config.Config

	Store       store.Store
	Locker      store.AdvisoryLocker
	KV          pmscache.KV
	Log         stream.Log
	Book        *book.Book
	Prices      *price.Service
	Provider    exchange.Provider
	Broadcaster broadcast.Broadcaster
	Executor    *trade.Executor
	Engine      *liquidation.Engine
	Router      *events.Router
	Facade      *risk.Facade

	engineConsumer     *stream.Consumer
	babysitterConsumer *stream.Consumer
}

// NewServiceContext wires the graph. Missing Postgres/Redis configuration
// falls back to the in-memory implementations, which keeps dry runs and the
// sim venue fully usable.
func NewServiceContext(c config.Config, broadcaster broadcast.Broadcaster) (*ServiceContext, error) {
	svc := &ServiceContext{Config: c, Broadcaster: broadcaster}
	if svc.Broadcaster == nil {
		svc.Broadcaster = broadcast.Nop
	}
	riskConf := c.RiskConf()

	if c.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		svc.KV = pmscache.NewRedisKV(client)
		svc.Log = stream.NewRedisLog(client)
		svc.Locker = store.NewRedisLocker(svc.KV, pmscache.ReconcileLockTTL)
	} else {
		logx.Info("redis not configured, using in-memory KV and log")
		svc.KV = pmscache.NewMemoryKV()
		svc.Log = stream.NewMemoryLog()
		svc.Locker = store.NewMemoryLocker()
	}

	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		svc.Store = store.NewSQLStore(conn)
		if db, err := conn.RawDB(); err == nil {
			svc.Locker = store.NewPgAdvisoryLocker(db)
		}
	} else {
		logx.Info("postgres not configured, using in-memory store")
		svc.Store = store.NewMemStore()
	}

	switch c.Exchange.Provider {
	case "", "sim":
		svc.Provider = sim.New()
	default:
		return nil, fmt.Errorf("unknown exchange provider %q", c.Exchange.Provider)
	}

	svc.Book = book.New()
	svc.Prices = price.New(svc.KV, svc.Provider, riskConf.PriceStaleness())

	breaker := exchange.NewCircuitBreaker(riskConf.BreakerThreshold, riskConf.BreakerCooldown())
	svc.Executor = trade.NewExecutor(svc.Store, svc.Book, svc.Prices, svc.Provider,
		breaker, svc.Broadcaster, svc.Locker)
	svc.Engine = liquidation.New(svc.Store, svc.Book, svc.Prices, svc.Broadcaster,
		liquidation.NewKVSnapshotSink(svc.KV))
	svc.Engine.SetActions(svc.Executor)
	svc.Executor.SetRiskHooks(svc.Engine)

	svc.Router = events.NewRouter(svc.Store, svc.Book, svc.Executor, svc.Broadcaster)
	svc.Facade = risk.New(svc.Store, svc.Book, svc.Prices, svc.Provider, svc.Engine, svc.Executor)

	streamOpts := stream.Options{Count: c.Stream.Count, Block: c.Stream.Block(), ClaimIdle: c.Stream.ClaimIdle()}
	svc.engineConsumer = stream.NewConsumer(svc.Log, pmscache.EngineEventStream, c.Stream.EngineGroup,
		func(ctx context.Context, msg stream.Message) bool {
			return svc.Router.Route(ctx, events.Event{ID: msg.ID, Type: msg.Values["type"], Fields: msg.Values})
		}, streamOpts)

	babysitter := stream.NewBabysitter(svc.Log, pmscache.BabysitterStream,
		func(ctx context.Context, positionID, reason string) error {
			if reason == "" {
				reason = types.ActionClose
			}
			_, err := svc.Executor.ClosePosition(ctx, positionID, reason)
			return err
		})
	svc.babysitterConsumer = stream.NewConsumer(svc.Log, pmscache.BabysitterStream, c.Stream.BabysitterGroup,
		babysitter.Handle, streamOpts)

	return svc, nil
}

// Start boots the facade and both stream consumers.
func (s *ServiceContext) Start(ctx context.Context) error {
	if err := s.Facade.Start(ctx); err != nil {
		return err
	}
	if err := s.engineConsumer.Start(ctx); err != nil {
		return err
	}
	return s.babysitterConsumer.Start(ctx)
}

// Stop shuts the consumers and timers down cooperatively.
func (s *ServiceContext) Stop() {
	s.babysitterConsumer.Stop()
	s.engineConsumer.Stop()
	s.Facade.Stop()
}
