package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/yuanfeiz/protocol/internal/config"
	"github.com/yuanfeiz/protocol/internal/core"
	"github.com/yuanfeiz/protocol/internal/ingestion"
	"github.com/yuanfeiz/protocol/internal/ledger"
	umath "github.com/yuanfeiz/protocol/internal/math"
	"github.com/yuanfeiz/protocol/internal/observability"
	"github.com/yuanfeiz/protocol/internal/persistence"
	"github.com/yuanfeiz/protocol/internal/query"
	"github.com/yuanfeiz/protocol/internal/registry"
	"github.com/yuanfeiz/protocol/internal/server"
	"github.com/yuanfeiz/protocol/internal/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $RING_CONFIG)")
	flag.Parse()

	log := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}
	log = logger("main")
	log.Info().Str("engine", cfg.Engine.Address).Msg("ringsettle starting")

	if err := run(cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("ringsettle failed")
	}
	log.Info().Msg("ringsettle shutdown complete")
}

func run(cfg *config.Config, logger func(string) zerolog.Logger) error {
	log := logger("main")

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	kv, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer kv.Close()
	state := store.NewState(kv)
	log.Info().Str("backend", cfg.Store.Backend).Msg("store opened")

	// --- Postgres (optional) ---
	var (
		db       *sql.DB
		next     int64
		tip      [32]byte
		logFound bool
	)
	if cfg.Postgres.DSN != "" {
		db, err = openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := persistence.NewMigrator(db, persistence.Migrations(), logger("migrate")).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		next, tip, logFound, err = persistence.NewEventLogWriter(db).LastEnvelope(ctx)
		if err != nil {
			return fmt.Errorf("read chain tip: %w", err)
		}
		healthChecker.Register("postgres", db.PingContext)
		log.Info().Int64("next_sequence", next).Bool("resumed", logFound).Msg("notification log ready")
	}

	// --- Channels ---
	// persist blocks (backpressure), publish drops when full
	var (
		coreOut    chan core.Output
		persistIn  chan persistence.Output
		publishOut chan core.Output
	)
	if db != nil {
		coreOut = make(chan core.Output, cfg.Persist.ChanSize)
		persistIn = make(chan persistence.Output, cfg.Persist.ChanSize)
	}

	// --- Ledger and registries ---
	tokens, err := tokenRegistry(cfg)
	if err != nil {
		return err
	}
	ringhashes := registry.NewRinghashRegistry(cfg.Engine.RinghashTTL, time.Now)

	sink := &gatedSink{}
	if persistIn != nil {
		sink.next = persistence.NewJournalSink(persistIn)
	}
	tokenLedger := ledger.NewTokenLedger(ledger.WithBatchSink(sink))

	// genesis funding is journaled on first boot only
	sink.open.Store(!logFound)
	if err := fundAccounts(tokenLedger, tokens, cfg.Accounts); err != nil {
		return err
	}
	sink.open.Store(true)

	// --- NATS (optional) ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
		rawChan    chan ingestion.RawRequest
	)
	if cfg.NATS.URL != "" {
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger("nats"))
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		rawChan = make(chan ingestion.RawRequest, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, metrics, logger("ingestion"))
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}

		publishOut = make(chan core.Output, cfg.Persist.PublishSize)
		publisher = ingestion.NewOutboundPublisher(js, publishOut, metrics, logger("publisher"))

		healthChecker.Register("nats", func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats status %s", s)
			}
			return nil
		})
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Idempotency ---
	// LRU first, Postgres on miss; warmed from the most recent requests
	var (
		dbChecker core.DBIdempotencyChecker
		warmKeys  []string
	)
	if db != nil {
		pg := persistence.NewPostgresIdempotencyChecker(db)
		dbChecker = pg
		warmKeys, err = pg.RecentKeys(ctx, cfg.Idempotency.WarmKeys)
		if err != nil {
			log.Warn().Err(err).Msg("warm idempotency cache")
		}
	}
	idempotency := core.NewIdempotencyChecker(cfg.Idempotency.Capacity, dbChecker, metrics)
	idempotency.Warm(warmKeys)

	// --- Exchange ---
	exchange, err := core.NewExchange(
		core.Config{
			Engine:                cfg.EngineAddress(),
			LrcToken:              cfg.LrcTokenAddress(),
			MaxRingSize:           cfg.Engine.MaxRingSize,
			RateRatioCVSThreshold: cfg.CVSThreshold(),
		},
		core.Dependencies{State: state, Tokens: tokens, Ringhashes: ringhashes, Delegate: tokenLedger},
		core.WithMetrics(metrics),
		core.WithLogger(logger("core")),
		core.WithOutputs(coreOut, publishOut),
		core.WithIdempotency(idempotency),
		core.WithChainTip(next, tip),
	)
	if err != nil {
		return fmt.Errorf("new exchange: %w", err)
	}

	service := ingestion.NewService(exchange, rawChan, metrics, logger("ingestion"))

	var logReader server.LogReader
	if db != nil {
		logReader = query.NewQueryService(db)
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Apply:         service,
		State:         exchange,
		Ringhashes:    ringhashes,
		Log:           logReader,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)
	var workers, servers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	serviceCtx, cancelService := context.WithCancel(context.Background())
	defer cancelService()
	serverCtx, cancelServers := context.WithCancel(ctx)
	defer cancelServers()

	// 1. Persistence worker and the core -> persistence bridge
	if db != nil {
		worker := persistence.NewPersistenceWorker(db, persistIn, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, logger("persistence"))
		workers.Add(2)
		go func() {
			defer workers.Done()
			if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
		go func() {
			defer workers.Done()
			bridgeOutputs(coreOut, persistIn, metrics, log)
		}()
	}

	// 2. Outbound publisher
	if publisher != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
	}

	// 3. Apply loop: NATS requests and RPC calls
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Run(serviceCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("ingestion service: %w", err)
		}
	}()

	// 4. gRPC server and HTTP gateway
	servers.Add(2)
	go func() {
		defer servers.Done()
		if err := grpcServer.StartGRPC(serverCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		defer servers.Done()
		if err := grpcServer.StartHTTPGateway(serverCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 5. Ring-hash pruning and channel gauges
	go runHousekeeping(serverCtx, cfg.Engine.RinghashPruneInterval, ringhashes, metrics, coreOut, publishOut)

	healthChecker.SetReady(true)
	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("postgres", db != nil).
		Bool("nats", nc != nil).
		Uint64("ring_index", exchange.RingIndex()).
		Msg("ringsettle ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let in-flight calls finish, then drain the outputs
	healthChecker.SetReady(false)
	grpcServer.MarkNotServing()
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelServers()
	servers.Wait()

	cancelService()
	<-serviceDone

	if coreOut != nil {
		close(coreOut)
	}
	if publishOut != nil {
		close(publishOut)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("drain timed out")
		cancelWorkers()
		<-drained
	}

	seq, _ := exchange.Sequence()
	log.Info().Int64("next_sequence", seq).Uint64("ring_index", exchange.RingIndex()).Msg("outputs drained")
	return runErr
}

// bridgeOutputs converts core outputs to persistence rows. It closes out
// when in closes, after forwarding everything.
func bridgeOutputs(in <-chan core.Output, out chan<- persistence.Output, metrics *observability.Metrics, log zerolog.Logger) {
	defer close(out)
	for o := range in {
		row, err := persistence.NewEventRow(o.Envelope, o.RequestKind, o.RequestID)
		if err != nil {
			log.Error().Err(err).Int64("sequence", o.Envelope.Sequence).Msg("encode notification")
			if metrics != nil {
				metrics.PersistErrors.WithLabelValues("encode").Inc()
			}
			continue
		}
		out <- persistence.Output{Event: &row}
		if metrics != nil {
			metrics.ApplyToPersist.Observe(time.Since(o.Envelope.Timestamp).Seconds())
		}
	}
}

// gatedSink forwards ledger batches while open.
type gatedSink struct {
	next ledger.BatchSink
	open atomic.Bool
}

func (g *gatedSink) OnBatch(b *ledger.Batch) {
	if g.next != nil && g.open.Load() {
		g.next.OnBatch(b)
	}
}

func runHousekeeping(
	ctx context.Context,
	interval time.Duration,
	ringhashes *registry.RinghashRegistry,
	metrics *observability.Metrics,
	coreOut, publishOut chan core.Output,
) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := ringhashes.Prune()
			metrics.RinghashPruned.Add(float64(pruned))
			metrics.RinghashLiveCount.Set(float64(ringhashes.Len()))
			if coreOut != nil {
				metrics.SetChannelMetrics("persist", len(coreOut), cap(coreOut))
			}
			if publishOut != nil {
				metrics.SetChannelMetrics("publish", len(publishOut), cap(publishOut))
			}
		}
	}
}

// --- Setup helpers ---

func openStore(cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "leveldb":
		kv, err := store.NewLevelStore(cfg.Path, cfg.SyncWrites)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
		}
		return kv, nil
	default:
		return store.NewMemStore(), nil
	}
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func tokenRegistry(cfg *config.Config) (*registry.TokenRegistry, error) {
	tokens := make([]registry.Token, 0, len(cfg.Tokens)+1)
	lrc := cfg.LrcTokenAddress()
	lrcListed := false
	for _, t := range cfg.Tokens {
		addr := common.HexToAddress(t.Address)
		lrcListed = lrcListed || addr == lrc
		tokens = append(tokens, registry.Token{Address: addr, Symbol: t.Symbol})
	}
	if !lrcListed {
		tokens = append(tokens, registry.Token{Address: lrc, Symbol: "LRC"})
	}
	reg, err := registry.NewTokenRegistry(tokens...)
	if err != nil {
		return nil, fmt.Errorf("token registry: %w", err)
	}
	return reg, nil
}

func fundAccounts(l *ledger.TokenLedger, tokens *registry.TokenRegistry, accounts []config.AccountConfig) error {
	for _, a := range accounts {
		owner := common.HexToAddress(a.Owner)
		for sym, amt := range a.Balances {
			token, ok := tokens.AddressBySymbol(sym)
			if !ok {
				return fmt.Errorf("fund %s: unknown token %s", a.Owner, sym)
			}
			v, err := umath.Parse(amt)
			if err != nil {
				return fmt.Errorf("fund %s %s: %w", a.Owner, sym, err)
			}
			if err := l.Mint(owner, token, v); err != nil {
				return fmt.Errorf("fund %s %s: %w", a.Owner, sym, err)
			}
		}
		for sym, amt := range a.Allowances {
			token, ok := tokens.AddressBySymbol(sym)
			if !ok {
				return fmt.Errorf("approve %s: unknown token %s", a.Owner, sym)
			}
			v, err := umath.Parse(amt)
			if err != nil {
				return fmt.Errorf("approve %s %s: %w", a.Owner, sym, err)
			}
			l.Approve(owner, token, v)
		}
	}
	return nil
}
