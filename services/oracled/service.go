package oracled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"chainscore/core/events"
	"chainscore/core/state"
	"chainscore/native/bank"
	"chainscore/native/oracle"
	"chainscore/observability/logging"
	"chainscore/observability/metrics"
	"chainscore/storage"
)

var genesisMarker = []byte("oracled/genesis-applied")

// Service bundles the ledger engine with its storage and delivery workers.
type Service struct {
	Engine   *oracle.Engine
	State    *state.Manager
	Schedule *oracle.Schedule
	Outbox   *Outbox
	Events   *events.Fanout
	Handler  http.Handler

	cfg    Config
	db     storage.Database
	sqlDB  *gorm.DB
	logger *slog.Logger
}

// ServiceOption customises service construction.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	outboxDB *gorm.DB
	nowFn    func() int64
}

// WithOutboxDB supplies an already open outbox database.
func WithOutboxDB(db *gorm.DB) ServiceOption {
	return func(o *serviceOptions) { o.outboxDB = db }
}

// WithClock overrides the ledger clock.
func WithClock(now func() int64) ServiceOption {
	return func(o *serviceOptions) { o.nowFn = now }
}

// NewService opens storage, loads the fee schedule and wires the engine,
// outbox and HTTP API.
func NewService(cfg Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	schedule, err := oracle.LoadSchedule(cfg.SchedulePath)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	svc := &Service{Schedule: schedule, cfg: cfg, db: db, logger: logger}
	svc.State = state.NewManager(db)
	if err := svc.applyGenesis(); err != nil {
		svc.Close()
		return nil, err
	}

	sqlDB := o.outboxDB
	if sqlDB == nil {
		sqlDB, err = OpenOutboxDB(cfg.Outbox.Driver, cfg.Outbox.DSN)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("open outbox (%s): %w", logging.MaskDSN(cfg.Outbox.DSN), err)
		}
		svc.sqlDB = sqlDB
	}
	m := metrics.Oracle()
	svc.Outbox, err = NewOutbox(sqlDB, cfg.Outbox, logger, m)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.Events = events.NewFanout(cfg.Stream.Buffer)
	engine := oracle.NewEngine()
	engine.SetState(svc.State)
	engine.SetSchedule(schedule)
	engine.SetSenders(oracle.NewSenderRegistryFromSchedule(schedule))
	if vault, ok := cfg.VaultAddress(); ok {
		engine.SetVault(vault)
	}
	engine.SetDispatcher(svc.Outbox)
	engine.SetEmitter(svc.Events)
	engine.SetLogger(logger.With(slog.String("component", "oracle")))
	if o.nowFn != nil {
		engine.SetNowFunc(o.nowFn)
	}
	svc.Engine = engine

	server, err := NewServer(ServerConfig{
		Ledger:   engine,
		Schedule: schedule,
		Auth:     NewAuthenticator(cfg.Auth, logger),
		Limiter:  NewRateLimiter(cfg.RateLimit, m),
		Stream:   NewEventStream(svc.Events, cfg.Stream, m),
		Outbox:   svc.Outbox,
		Logger:   logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Handler = server
	return svc, nil
}

func (s *Service) applyGenesis() error {
	if len(s.cfg.Genesis) == 0 {
		return nil
	}
	var applied bool
	if _, err := s.State.KVGet(genesisMarker, &applied); err != nil {
		return fmt.Errorf("read genesis marker: %w", err)
	}
	if applied {
		return nil
	}
	tx := s.State.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)
	for _, entry := range s.cfg.Genesis {
		amount, err := entry.Amount()
		if err != nil {
			return err
		}
		if err := ledger.Mint(common.HexToAddress(entry.Address), amount); err != nil {
			return fmt.Errorf("seed %s: %w", entry.Address, err)
		}
	}
	if err := tx.KVPut(genesisMarker, true); err != nil {
		return fmt.Errorf("write genesis marker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	s.logger.Info("genesis balances applied", slog.Int("accounts", len(s.cfg.Genesis)))
	return nil
}

// RunWorkers drives callback delivery until ctx is cancelled.
func (s *Service) RunWorkers(ctx context.Context) {
	s.Outbox.Run(ctx, s.cfg.Outbox.PollInterval.Duration)
}

// Close releases storage handles.
func (s *Service) Close() error {
	var errs []error
	if s.sqlDB != nil {
		if raw, err := s.sqlDB.DB(); err == nil {
			errs = append(errs, raw.Close())
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	return errors.Join(errs...)
}
