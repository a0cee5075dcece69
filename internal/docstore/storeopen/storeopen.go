// Package storeopen builds the configured docstore backend.
package storeopen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/mongostore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/sqlitestore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/wsstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

// Open returns the backend selected by cfg.Store, wrapped with metrics
// instrumentation when m is non-nil.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (docstore.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		store docstore.Store
		err   error
	)
	switch cfg.Store {
	case config.StoreMemory, "":
		store = docstore.NewMemory()
	case config.StoreSQLite:
		store, err = sqlitestore.Open(cfg.StoreDSN, sqlitestore.Options{
			PollInterval: cfg.StorePollInterval,
			Logger:       logger,
		})
	case config.StoreMongo:
		store, err = mongostore.Open(ctx, cfg.StoreDSN, cfg.StoreDatabase, logger)
	case config.StoreRemote:
		store, err = wsstore.Dial(ctx, cfg.StoreDSN, auth.Header(cfg.StoreToken), logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	logger.Info("signaling store opened", "store", string(cfg.Store))
	if m != nil {
		store = docstore.Instrument(store, m)
	}
	return store, nil
}

var healthRef = docstore.DocRef{Collection: "_health", ID: "ping"}

// Ping reads a document that never exists; anything but ErrNotFound means
// the backend cannot serve requests.
func Ping(ctx context.Context, store docstore.Store) error {
	_, err := store.Get(ctx, healthRef)
	if err == nil || errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}
