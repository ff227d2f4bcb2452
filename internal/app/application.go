// Package app wires the payment layer's services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/finovia/payment_layer/internal/app/cache"
	domain "github.com/finovia/payment_layer/internal/app/domain/transfer"
	"github.com/finovia/payment_layer/internal/app/services/accounts"
	archivesvc "github.com/finovia/payment_layer/internal/app/services/archive"
	"github.com/finovia/payment_layer/internal/app/services/notify"
	summarysvc "github.com/finovia/payment_layer/internal/app/services/summary"
	transfersvc "github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/internal/app/storage"
	"github.com/finovia/payment_layer/internal/app/storage/memory"
	"github.com/finovia/payment_layer/internal/app/system"
	"github.com/finovia/payment_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts  storage.AccountStore
	Transfers storage.TransferStore
	Summaries storage.SummaryStore
	Engine    storage.EngineStore
	Archive   storage.ArchiveStore
}

// Options carries service tuning. Zero values use each service's defaults.
type Options struct {
	Transfer     transfersvc.Options
	Archive      archivesvc.Options
	AuditLogPath string
}

// engineStore satisfies the transfer engine's composite store from the
// individually-wired stores.
type engineStore struct {
	storage.AccountStore
	storage.TransferStore
	storage.EngineStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	auditor *notify.FileAuditor

	Accounts  *accounts.Service
	Transfers *transfersvc.Engine
	Summaries *summarysvc.Service
	Archiver  *archivesvc.Archiver
	Hub       *notify.Hub
}

// New builds a fully initialised application with the provided stores. The
// cache may be nil, in which case every read goes to the store.
func New(stores Stores, opts Options, readCache *cache.Cache, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Transfers == nil {
		stores.Transfers = mem
	}
	if stores.Summaries == nil {
		stores.Summaries = mem
	}
	if stores.Engine == nil {
		stores.Engine = mem
	}
	if stores.Archive == nil {
		stores.Archive = mem
	}

	manager := system.NewManager()

	acctService := accounts.New(stores.Accounts, log)

	var balances summarysvc.BalanceSource
	if readCache != nil {
		balances = readCache
	}
	summaryService := summarysvc.New(stores.Transfers, stores.Summaries, balances, log)

	engine := transfersvc.NewEngine(engineStore{
		AccountStore:  stores.Accounts,
		TransferStore: stores.Transfers,
		EngineStore:   stores.Engine,
	}, domain.NewFeePolicy(domain.DefaultCommissionRate), opts.Transfer, log)
	if readCache != nil {
		engine.AttachCache(readCache)
	}

	hub := notify.NewHub(log)
	engine.AttachNotifier(hub)
	if err := manager.Register(hub); err != nil {
		return nil, fmt.Errorf("register notify hub: %w", err)
	}

	var auditor *notify.FileAuditor
	if opts.AuditLogPath != "" {
		var err error
		auditor, err = notify.NewFileAuditor(opts.AuditLogPath, log)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		engine.AttachAuditor(auditor)
	}

	archiver := archivesvc.New(stores.Archive, opts.Archive, log)
	if err := manager.Register(archiver); err != nil {
		return nil, fmt.Errorf("register archiver: %w", err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		auditor:   auditor,
		Accounts:  acctService,
		Transfers: engine,
		Summaries: summaryService,
		Archiver:  archiver,
		Hub:       hub,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and closes the audit trail.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.auditor != nil {
		if cerr := a.auditor.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
