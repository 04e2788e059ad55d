package main

import (
	"PerpRisk/internal/config"
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerTo(os.Stdout, "perprisk", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("perprisk stopped")
	}
	logger.Info().Msg("perprisk shutdown complete")
}

// run wires the process in two stages. The front stage (servers, feeds,
// snapshots) is everything that can mutate the engine; it stops first.
// The pipeline stage (persistence, projections, publishing) then drains
// what the engine emitted and exits when its inputs close.
func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		var err error
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		health.AddCheck("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("PERP_POSTGRES_DSN not set, running without event log or snapshots")
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Msg("Redis connected")
	}

	// --- Channels ---
	// Engine persist sends block; projection sends drop when full.
	enginePersist := make(chan core.Output, cfg.PersistChanSize)
	engineProjection := make(chan core.Output, cfg.ProjectionChanSize)
	records := make(chan persistence.Record, cfg.PersistChanSize)
	publishChan := make(chan *event.Envelope, cfg.PublishChanSize)

	// --- Ledger + engine ---
	ledgerLogger := logger.With().Str("component", "ledger").Logger()
	l := ledger.NewMemoryLedger(ledger.WithJournalSink(func(b *ledger.Batch) {
		records <- persistence.Record{Batch: b}
	}))
	authority := core.NewAuthority("perprisk")
	eng := core.NewEngine(l, authority,
		core.WithConfig(cfg.Engine()),
		core.WithLogger(logger.With().Str("component", "engine").Logger()),
		core.WithMetrics(metrics),
		core.WithOutputs(enginePersist, engineProjection),
	)

	// --- Recovery ---
	var snapMgr *persistence.SnapshotManager
	if db != nil {
		snapMgr = persistence.NewSnapshotManager(db, metrics, logger.With().Str("component", "snapshot").Logger())
		if err := recoverEngine(ctx, snapMgr, eng, logger); err != nil {
			return err
		}
		if err := l.CheckInvariants(); err != nil {
			return fmt.Errorf("ledger invariants after restore: %w", err)
		}
		ledgerLogger.Info().Msg("ledger invariants hold")
	}

	// --- History + views ---
	var history interface {
		projection.HistoryStore
		projection.HistoryReader
	} = projection.NewMemoryHistory()
	if db != nil {
		history = projection.NewPostgresHistory(db)
	}
	var views projection.ViewSink
	if rdb != nil {
		views = projection.NewRedisSink(rdb, eng, cfg.RedisViewTTL)
	}

	// --- NATS ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
		feedChan   chan ingestion.RawEvent
		natsOut    chan *event.Envelope
	)
	if cfg.NATSURL != "" {
		natsLogger := logger.With().Str("component", "nats").Logger()
		conn, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		feedChan = make(chan ingestion.RawEvent, cfg.FeedChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, feedChan, natsLogger)
		natsOut = make(chan *event.Envelope, cfg.PublishChanSize)
		publisher = ingestion.NewOutboundPublisher(js, natsOut, natsLogger)
	} else {
		logger.Warn().Msg("PERP_NATS_URL not set, oracle and deposit feeds disabled")
	}

	// --- API ---
	keepers, err := cfg.KeeperPayouts()
	if err != nil {
		return err
	}
	apiLogger := logger.With().Str("component", "api").Logger()
	queries := query.NewQueryService(eng, l, history, db)
	svc := server.NewRiskService(eng, l, queries, authority, server.Tokens{
		Oracle:  cfg.OracleToken,
		Admin:   cfg.AdminToken,
		Keepers: keepers,
	}, apiLogger)
	interceptor := server.UnaryInterceptor(metrics, apiLogger)
	gateway, err := server.NewGateway(svc, interceptor)
	if err != nil {
		return err
	}
	hub := server.NewWSHub(metrics, apiLogger)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, svc, interceptor, apiLogger)
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(health, reg, hub, gateway), apiLogger)

	// --- Pipeline stage ---
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)

	var writer persistence.BatchWriter = discardWriter{}
	if db != nil {
		writer = persistence.NewEventLogWriter(db)
	}
	persistWorker := persistence.NewPersistenceWorker(writer, records, publishChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(history, views, engineProjection, metrics, logger.With().Str("component", "projection").Logger())

	pipe.Go(func() error {
		// Journals arrive through the ledger sink; events through here.
		defer close(records)
		for out := range enginePersist {
			records <- persistence.Record{Envelope: out.Envelope}
		}
		return nil
	})
	pipe.Go(func() error {
		defer close(publishChan)
		err := persistWorker.Run(pipeCtx)
		if err != nil {
			// Keep producers moving until their inputs close; the front
			// stage is being torn down.
			for range records {
				metrics.PersistBackpressure.Inc()
			}
		}
		return err
	})
	pipe.Go(func() error {
		return projWorker.Run(pipeCtx)
	})
	pipe.Go(func() error {
		if natsOut != nil {
			defer close(natsOut)
		}
		for env := range publishChan {
			hub.Publish(env)
			if natsOut == nil {
				continue
			}
			select {
			case natsOut <- env:
			default:
				metrics.PublishDrops.Inc()
			}
		}
		return nil
	})
	if publisher != nil {
		pipe.Go(func() error {
			return publisher.Run(pipeCtx)
		})
	}

	// --- Front stage ---
	frontBase, cancelFront := context.WithCancel(ctx)
	defer cancelFront()
	go func() {
		// A failed pipeline takes the servers down with it.
		<-pipeCtx.Done()
		cancelFront()
	}()
	front, frontCtx := errgroup.WithContext(frontBase)
	front.Go(func() error { return grpcServer.Start(frontCtx) })
	front.Go(func() error { return httpServer.Start(frontCtx) })
	front.Go(func() error { return hub.Run(frontCtx) })
	front.Go(func() error {
		sampleChannels(frontCtx, metrics, map[string]func() (int, int){
			"persist":    func() (int, int) { return len(enginePersist), cap(enginePersist) },
			"projection": func() (int, int) { return len(engineProjection), cap(engineProjection) },
			"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		})
		return nil
	})
	if snapMgr != nil {
		front.Go(func() error { return snapMgr.Run(frontCtx, eng, cfg.SnapshotInterval) })
	}
	if subscriber != nil {
		processor, err := ingestion.NewFeedProcessor(eng, l, authority.MintOracle(), cfg.DedupSize, metrics, logger.With().Str("component", "feeds").Logger())
		if err != nil {
			return err
		}
		if err := subscriber.Subscribe(frontCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		front.Go(func() error {
			defer subscriber.Stop()
			return processor.Run(frontCtx, feedChan)
		})
	}

	health.SetReady(true)
	logger.Info().
		Int64("sequence", eng.Sequence()).
		Int("markets", len(eng.ListMarkets())).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("perprisk ready")

	frontErr := ignoreCanceled(front.Wait())
	health.SetReady(false)
	if frontErr != nil {
		logger.Error().Err(frontErr).Msg("front stage failed, draining")
	}

	// --- Drain ---
	// Nothing mutates the engine any more; closing its outputs lets the
	// pipeline flush and exit on its own.
	close(enginePersist)
	close(engineProjection)

	drained := make(chan error, 1)
	go func() { drained <- ignoreCanceled(pipe.Wait()) }()

	var pipeErr error
	select {
	case pipeErr = <-drained:
	case <-time.After(drainTimeout):
		logger.Error().Dur("timeout", drainTimeout).Msg("pipeline drain timed out, cancelling")
		cancelPipe()
		pipeErr = <-drained
	}

	return errors.Join(frontErr, pipeErr)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrate").Logger())
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// recoverEngine restores the latest verified snapshot. Snapshots written at
// the previous shutdown are verified here first, once their events are
// known to be durable.
func recoverEngine(ctx context.Context, snapMgr *persistence.SnapshotManager, eng *core.Engine, logger zerolog.Logger) error {
	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		return fmt.Errorf("verify snapshots: %w", err)
	} else if n > 0 {
		logger.Info().Int64("verified", n).Msg("pending snapshots verified")
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		logger.Info().Msg("no snapshot found, cold start")
		return nil
	}
	if err := eng.Restore(snap); err != nil {
		return err
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}
	if head > snap.Sequence {
		// Engine events are outcomes, not commands, so they cannot be
		// replayed. Anything after the snapshot is lost state.
		return fmt.Errorf("event log at sequence %d is ahead of latest snapshot %d; restore a newer snapshot or rebuild", head, snap.Sequence)
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// discardWriter stands in for the event log when Postgres is not
// configured, so events still reach the live stream.
type discardWriter struct{}

func (discardWriter) WriteBatch(context.Context, []persistence.EventRow, []persistence.JournalRow) error {
	return nil
}
