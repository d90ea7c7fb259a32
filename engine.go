package fairdraw

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EngineOptions wires the collaborators of an Engine. Nil fields get
// in-process defaults.
type EngineOptions struct {
	Sessions SessionStore
	// Records defaults to Sessions when it also implements RecordStore
	Records RecordStore
	Source  *RandomSource
	Locker  Locker
	Config  *EngineConfig
	Logger  Logger
	Monitor *DrawMonitor
}

// Engine is the provably fair opening engine: commit, resolve, reveal, verify
type Engine struct {
	commitments *CommitmentManager
	resolver    *OutcomeResolver
	verifier    *Verifier

	sessions SessionStore
	records  RecordStore
	source   *RandomSource
	config   *EngineConfig
	monitor  *DrawMonitor

	mu      sync.RWMutex
	logger  Logger
	closers []func() error
	closed  bool
}

// NewEngine creates an engine from explicit collaborators
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	if opts.Monitor == nil {
		opts.Monitor = NewDrawMonitor()
	}
	if opts.Config == nil {
		opts.Config = DefaultEngineConfig()
	}
	if opts.Sessions == nil {
		store := NewMemoryStore()
		opts.Sessions = store
		if opts.Records == nil {
			opts.Records = store
		}
	}
	if opts.Records == nil {
		records, ok := opts.Sessions.(RecordStore)
		if !ok {
			return nil, ErrInvalidParameters.WithDetails("record store is required")
		}
		opts.Records = records
	}
	if opts.Source == nil {
		opts.Source = NewLocalRandomSource(opts.Logger, opts.Monitor)
	}
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}

	commitments, err := NewCommitmentManager(opts.Sessions, opts.Source, opts.Config.SecretLength, opts.Logger, opts.Monitor)
	if err != nil {
		return nil, err
	}

	return &Engine{
		commitments: commitments,
		resolver: NewOutcomeResolver(opts.Sessions, opts.Records, opts.Source, opts.Locker,
			opts.Config.ResolveLockTimeout, opts.Logger, opts.Monitor),
		verifier: NewVerifier(opts.Sessions, opts.Records, opts.Config.CompletionSkew, opts.Logger, opts.Monitor),
		sessions: opts.Sessions,
		records:  opts.Records,
		source:   opts.Source,
		config:   opts.Config,
		monitor:  opts.Monitor,
		logger:   opts.Logger,
	}, nil
}

// NewMemoryEngine creates an engine with in-memory stores and local entropy only
func NewMemoryEngine(logger Logger) *Engine {
	e, err := NewEngine(EngineOptions{Logger: logger})
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return e
}

// NewEngineFromConfig builds stores, random source and locker from cfg
func NewEngineFromConfig(ctx context.Context, cfg *Config, logger Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l, err := NewZapLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, ErrConfigInvalid.WithCause(err)
		}
		logger = l
	}

	monitor := NewDrawMonitor()
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	var service RandomService
	if cfg.RandomService.Enabled {
		client := NewRandomOrgClient(cfg.RandomService.Endpoint, cfg.RandomService.APIKey, cfg.RandomService.RequestTimeout)
		client.SetLogger(logger)
		service = client
	}

	source, err := NewRandomSource(service, cfg.RandomService, cfg.CircuitBreaker, logger, monitor)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { source.Close(); return nil })

	opts := EngineOptions{Source: source, Config: cfg.Engine, Logger: logger, Monitor: monitor}
	var memory *MemoryStore

	switch cfg.Storage.Driver {
	case StorageDriverRedis:
		client := NewRedisClientFromConfig(cfg.Redis)
		closers = append(closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			closeAll()
			return nil, ErrStorageFailure.WithOperation("ping").WithCause(err)
		}

		store := NewRedisStore(client, logger)
		store.SetMonitor(monitor)
		locker := NewRedisLocker(client, cfg.Engine.LockExpiration, DefaultRetryInterval, logger)
		locker.SetMonitor(monitor)

		opts.Sessions, opts.Records, opts.Locker = store, store, locker
	default:
		store := NewMemoryStore()
		memory = store
		opts.Sessions, opts.Records, opts.Locker = store, store, NewKeyedMutex()
	}

	if cfg.Storage.Ledger == LedgerDriverSQLite {
		ledger, err := OpenSQLiteRecordStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, ledger.Close)
		opts.Records = ledger

		// memory nonce counters restart with the process, the ledger does not
		if memory != nil {
			memory.SetNonceHistory(ledger)
		}
	}

	engine, err := NewEngine(opts)
	if err != nil {
		closeAll()
		return nil, err
	}
	engine.closers = closers

	logger.Info("Engine created storage=%s, ledger=%s, external_random=%v",
		cfg.Storage.Driver, cfg.Storage.Ledger, cfg.RandomService.Enabled)
	return engine, nil
}

// Commit opens a session and returns its commitment
func (e *Engine) Commit(ctx context.Context, clientSeed string) (*CommitReceipt, error) {
	return e.commitments.Commit(ctx, clientSeed)
}

// Resolve draws the outcome of a committed session
func (e *Engine) Resolve(ctx context.Context, gameID string, prizes []PrizeEntry) (*GameRecord, error) {
	return e.resolver.Resolve(ctx, gameID, prizes)
}

// Verify checks a resolved session against revealedSeed
func (e *Engine) Verify(ctx context.Context, gameID, revealedSeed string) (*VerificationReport, error) {
	return e.verifier.Verify(ctx, gameID, revealedSeed)
}

// Reveal returns the server seed of a resolved session
func (e *Engine) Reveal(ctx context.Context, gameID string) (string, error) {
	e.logger.Debug("Reveal called with game_id=%s", gameID)

	record, err := e.records.GetRecord(ctx, gameID)
	if err == nil {
		e.logger.Info("Server seed revealed game_id=%s", gameID)
		return record.ServerSeed, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		e.logger.Error("Reveal failed game_id=%s: %v", gameID, err)
		return "", err
	}

	if _, err := e.sessions.GetSession(ctx, gameID); err != nil {
		return "", err
	}
	return "", ErrSessionNotResolved.WithGameID(gameID)
}

// Session returns the public view of a session
func (e *Engine) Session(ctx context.Context, gameID string) (*GameSession, error) {
	session, err := e.sessions.GetSession(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusCommitted {
		if record, err := e.records.GetRecord(ctx, gameID); err == nil {
			return record.Session(), nil
		}
	}
	return session, nil
}

// Record returns the stored record of a resolved session without its server seed
func (e *Engine) Record(ctx context.Context, gameID string) (*GameRecord, error) {
	record, err := e.records.GetRecord(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return record.Redacted(), nil
}

// Usage returns the quota of the external random service
func (e *Engine) Usage(ctx context.Context) (*ServiceUsage, error) {
	return e.source.Usage(ctx)
}

// Metrics returns a snapshot of the engine counters
func (e *Engine) Metrics() DrawMetrics { return e.monitor.GetMetrics() }

// ResetMetrics resets the engine counters
func (e *Engine) ResetMetrics() { e.monitor.Reset() }

// Health reports the random source state and the engine counters
func (e *Engine) Health() map[string]any {
	metrics := e.monitor.GetMetrics()
	source := e.source.Health()

	status := "ok"
	if healthy, ok := source["healthy"].(bool); ok && !healthy {
		status = "degraded"
	}

	return map[string]any{
		"status":        status,
		"random_source": source,
		"metrics":       metrics,
		"fallback_rate": metrics.FallbackRate(),
		"uptime":        e.monitor.Uptime().Round(time.Second).String(),
	}
}

// GetLogger returns the engine logger
func (e *Engine) GetLogger() Logger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logger
}

// UpdateConfig applies the hot-reloadable parts of cfg: log level and request pacing
func (e *Engine) UpdateConfig(cfg *Config) error {
	e.logger.Debug("UpdateConfig called")

	if cfg == nil {
		return ErrInvalidParameters
	}
	if err := cfg.Validate(); err != nil {
		e.logger.Error("UpdateConfig validation failed: %v", err)
		return err
	}

	if leveled, ok := e.GetLogger().(interface{ SetLevel(string) error }); ok {
		if err := leveled.SetLevel(cfg.Log.Level); err != nil {
			return ErrConfigInvalid.WithDetails("log.level").WithCause(err)
		}
	}
	if err := e.source.SetMinInterval(cfg.RandomService.MinInterval); err != nil {
		return err
	}

	e.logger.Info("Configuration updated: log_level=%s, min_interval=%v", cfg.Log.Level, cfg.RandomService.MinInterval)
	return nil
}

// Close releases the random source queue and every store opened by NewEngineFromConfig
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if len(e.closers) == 0 {
		e.source.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("Engine closed")
	return errors.Join(errs...)
}
