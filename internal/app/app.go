// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package app wires the offline engine for the storefront client: the record
// store with the catalog entity registry, the pending-action queue, the
// network monitor and the sync orchestrator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/partshub/go-offsync/config"
	"github.com/partshub/go-offsync/offsync"
)

// Catalog entity types pulled from the remote API, plus cart_items which is
// client-local only (it has no list endpoint and is never reconciled).
var entities = []string{
	"products",
	"categories",
	"product_brands",
	"car_brands",
	"car_models",
	"collections",
	"orders",
	"subscribers",
	"cart_items",
}

var endpoints = []offsync.EntityEndpoint{
	{Entity: "products", ListEndpoint: "/products"},
	{Entity: "categories", ListEndpoint: "/categories"},
	{Entity: "product_brands", ListEndpoint: "/product-brands"},
	{Entity: "car_brands", ListEndpoint: "/car-brands"},
	{Entity: "car_models", ListEndpoint: "/car-models"},
	{Entity: "collections", ListEndpoint: "/collections"},
	{Entity: "orders", ListEndpoint: "/orders"},
	{Entity: "subscribers", ListEndpoint: "/subscribers"},
}

// Engine bundles the constructed services. All of them are explicit values
// threaded from here; nothing is process-global.
type Engine struct {
	DB      *sql.DB
	Store   *offsync.Store
	Queue   *offsync.Queue
	Monitor *offsync.Monitor
	Remote  *offsync.RemoteClient
	Syncer  *offsync.Syncer
	Mutator *offsync.Mutator

	detach    func()
	stopDrain context.CancelFunc
	drainDone chan struct{}
}

// New builds the engine from configuration. The caller owns Close.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storeCfg := offsync.DefaultStoreConfig(entities...)
	storeCfg.SoftLimitBytes = cfg.StorageSoftLimitBytes
	storeCfg.TombstoneRetention = cfg.TombstoneRetention()
	store, err := offsync.OpenStore(db, storeCfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	queue := offsync.NewQueue(store, logger)
	queue.SetDefaultMaxRetries(cfg.QueueMaxRetries)
	remote := offsync.NewRemoteClient(cfg.RemoteBaseURL, nil, logger)
	monitor := offsync.NewMonitor(offsync.NewHTTPProbe(cfg.RemoteBaseURL), cfg.ProbeInterval(), logger)

	metrics, err := offsync.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	syncer := offsync.NewSyncer(store, queue, remote, &offsync.SyncerConfig{
		Endpoints:  endpoints,
		DrainLimit: cfg.DrainLimit,
		BackoffMin: cfg.BackoffMin(),
		BackoffMax: cfg.BackoffMax(),
		Metrics:    metrics,
	}, logger)
	mutator := offsync.NewMutator(store, queue, monitor, remote, logger)

	return &Engine{
		DB:      db,
		Store:   store,
		Queue:   queue,
		Monitor: monitor,
		Remote:  remote,
		Syncer:  syncer,
		Mutator: mutator,
	}, nil
}

// Start begins connectivity monitoring, subscribes the syncer to restored
// events and launches the retry drain loop.
func (e *Engine) Start(ctx context.Context) {
	e.Monitor.Start(ctx)
	e.detach = e.Syncer.AttachMonitor(ctx, e.Monitor)

	drainCtx, stop := context.WithCancel(ctx)
	e.stopDrain = stop
	e.drainDone = make(chan struct{})
	go func() {
		defer close(e.drainDone)
		e.Syncer.DrainLoop(drainCtx)
	}()
}

// Close stops monitoring, waits for background sync work to finish and
// releases the database.
func (e *Engine) Close() error {
	if e.detach != nil {
		e.detach()
	}
	if e.stopDrain != nil {
		e.stopDrain()
		<-e.drainDone
	}
	e.Monitor.Close()
	return e.DB.Close()
}
