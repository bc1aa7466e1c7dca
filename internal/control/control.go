// Package control wires the custody services together and manages their
// lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/custody/internal/core/config"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/worker"
	"github.com/vietddude/custody/internal/gateway"
	"github.com/vietddude/custody/internal/infra/chain"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
	"github.com/vietddude/custody/internal/ledger"
	"github.com/vietddude/custody/internal/nonce"
	"github.com/vietddude/custody/internal/reconcile"
	"github.com/vietddude/custody/internal/risk"
	"github.com/vietddude/custody/internal/withdrawal"
)

// Custody is the application root: one process running the gateway, the
// withdrawal pipeline, the reconciler and the maintenance loops.
type Custody struct {
	cfg        *config.AppConfig
	db         *postgres.DB
	redis      *redisclient.Client
	server     *gateway.Server
	orch       *withdrawal.Orchestrator
	reconciler *reconcile.Reconciler
	expirer    *worker.Expirer
	log        *slog.Logger
}

// New builds the application from configuration.
func New(cfg *config.AppConfig, log *slog.Logger) (*Custody, error) {
	if log == nil {
		log = slog.Default()
	}

	// Storage. Postgres is the production path; with no database configured
	// everything runs on the in-memory store, useful for local development.
	var (
		db            *postgres.DB
		creditRepo    storage.CreditRepository
		withdrawRepo  storage.WithdrawRepository
		walletRepo    storage.SigningWalletRepository
		operationRepo storage.OperationRepository
		assessRepo    storage.RiskAssessmentRepository
		auditRepo     storage.AuditRepository
		blockRepo     storage.BlockRepository
		txStore       interface {
			withdrawal.TxStore
			reconcile.RollbackStore
		}
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		creditRepo = postgres.NewCreditRepo(db)
		withdrawRepo = postgres.NewWithdrawRepo(db)
		walletRepo = postgres.NewWalletRepo(db)
		operationRepo = postgres.NewOperationRepo(db)
		assessRepo = postgres.NewRiskAssessmentRepo(db)
		auditRepo = postgres.NewAuditRepo(db)
		blockRepo = postgres.NewBlockRepo(db)
		txStore = db
		log.Info("using postgres storage")
	} else {
		store := memory.NewMemoryStorage()
		creditRepo = memory.NewCreditRepo(store)
		withdrawRepo = memory.NewWithdrawRepo(store)
		walletRepo = memory.NewWalletRepo(store)
		operationRepo = memory.NewOperationRepo(store)
		assessRepo = memory.NewRiskAssessmentRepo(store)
		auditRepo = memory.NewAuditRepo(store)
		blockRepo = memory.NewBlockRepo(store)
		txStore = memory.NewTxStore(store)
		log.Warn("no database configured, using in-memory storage")
	}

	var rds *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		rds, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
	} else {
		log.Warn("no redis configured, fast paths disabled")
	}

	// Chain handlers.
	chains := make(map[domain.ChainID]chain.Handler, len(cfg.Chains))
	depths := make(map[domain.ChainID]reconcile.Depths, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		h, err := chain.New(cc.ChainID, cc.Type, cc.RPCURL, cc.RPCTimeout)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.ChainID, err)
		}
		chains[cc.ChainID] = h
		depths[cc.ChainID] = cc.Depths
	}

	// Core services.
	ledgerStore := ledger.NewStore(creditRepo, log)

	allocator := nonce.NewAllocator(walletRepo, rds, log)
	for id, h := range chains {
		allocator.RegisterSource(id, h)
	}

	threshold, ok := new(big.Int).SetString(cfg.Risk.LargeAmountThreshold, 10)
	if !ok {
		return nil, fmt.Errorf("invalid large amount threshold %q", cfg.Risk.LargeAmountThreshold)
	}
	engine := risk.NewEngine([]risk.Rule{
		&risk.LargeAmountRule{Threshold: threshold, RuleWeight: cfg.Risk.LargeAmountWeight},
		&risk.FrequencyRule{
			Credits:     creditRepo,
			Window:      cfg.Risk.FrequencyWindow,
			MaxInWindow: cfg.Risk.FrequencyMax,
			RuleWeight:  cfg.Risk.FrequencyWeight,
		},
		&risk.NovelDestinationRule{Credits: creditRepo, RuleWeight: cfg.Risk.NovelDestWeight},
	}, cfg.Risk.AssessmentTTL, log)

	signer := withdrawal.NewHTTPSigner(cfg.Signer)
	feeOracle := withdrawal.NewHTTPFeeOracle(cfg.FeeOracle)

	orch := withdrawal.NewOrchestrator(
		txStore, withdrawRepo, creditRepo, assessRepo,
		ledgerStore, engine, allocator, signer, feeOracle,
		chains, cfg.Withdrawal, log,
	)

	audit := gateway.NewAuditLogger(auditRepo, rds, log)
	svc, err := gateway.NewService(cfg.Gateway, operationRepo, orch, audit, rds, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init gateway: %w", err)
	}

	var health func(context.Context) error
	if db != nil {
		health = db.Health
	}
	server := gateway.NewServer(cfg.Server, svc, health, log)

	reconciler := reconcile.NewReconciler(
		cfg.Reconcile, chains, depths,
		blockRepo, withdrawRepo, creditRepo,
		ledgerStore, txStore, log,
	)
	expirer := worker.NewExpirer(cfg.Expirer, orch, operationRepo, assessRepo, log)

	return &Custody{
		cfg:        cfg,
		db:         db,
		redis:      rds,
		server:     server,
		orch:       orch,
		reconciler: reconciler,
		expirer:    expirer,
		log:        log,
	}, nil
}

// Run starts every component and blocks until the context is cancelled or the
// HTTP listener fails.
func (c *Custody) Run(ctx context.Context) error {
	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	// Pick up withdrawals a previous process left mid-signing.
	if resumed, err := c.orch.Resume(ctx); err != nil {
		c.log.Error("failed to resume in-flight withdrawals", "error", err)
	} else if resumed > 0 {
		c.log.Info("resumed in-flight withdrawals", "count", resumed)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.server.Shutdown(context.Background())
	})
	g.Go(func() error {
		err := c.reconciler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		c.expirer.Start(gctx)
		return nil
	})

	err := g.Wait()
	c.close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Custody) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Warn("failed to close redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("failed to close database", "error", err)
		}
	}
}
