package infrastructure

import (
	"context"
	"log/slog"
	"os"

	"tallyo/internal/catalog"
	"tallyo/internal/config"
	"tallyo/internal/ingest"
	"tallyo/internal/ledger"
	"tallyo/internal/meter"
	"tallyo/internal/reconcile"
	"tallyo/internal/repository"
	"tallyo/internal/service"
	transportHTTP "tallyo/internal/transport/http"
	transportNATS "tallyo/internal/transport/nats"
	"tallyo/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	store := repository.NewPostgresStore(db)
	bus := transportNATS.NewBus(nc)
	cat := catalog.Default()

	lg := ledger.New(rdb, store, bus, cat, log, ledger.Config{
		OverdraftMargin: cfg.OverdraftMargin,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		MaxRetries:      uint64(cfg.MaxRetries),
		BaseBackoff:     cfg.BaseBackoff,
	})
	m := meter.New(lg, store, cat, log)
	rec := reconcile.New(lg, store, log, reconcile.Config{
		MaxRetries:  uint64(cfg.MaxRetries),
		BaseBackoff: cfg.BaseBackoff,
	})
	ing := ingest.New(ingest.NewHMACVerifier(cfg.WebhookSecret), store, rec, cat, bus, log, ingest.Config{
		MaxRetries:  uint64(cfg.MaxRetries),
		BaseBackoff: cfg.BaseBackoff,
	})

	var svc service.CreditService = service.NewEngine(lg, m, rec, ing)

	servers := []Server{
		worker.NewLedgerSyncWorker(store, nc, log),
		worker.NewSweepWorker(m, cfg.SweepInterval, cfg.SweepTimeout, log),
		transportNATS.NewHandler(svc, nc),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
