package server

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinykeep/pkg/config"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/storage"
	"github.com/nicktill/tinykeep/pkg/storage/badger"
	"github.com/nicktill/tinykeep/pkg/storage/memory"
	"github.com/nicktill/tinykeep/pkg/storage/relational"
)

// InitializeStorage opens the backend selected by cfg.Backend.
func InitializeStorage(cfg config.Config, log logrus.FieldLogger) (storage.Backend, error) {
	log = log.WithField("backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendMemory:
		log.Info("using in-memory storage, data is lost on restart")
		return memory.New(), nil

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create sqlite directory")
		}
		store, err := relational.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		backend, err := relational.New(store, relational.Config{
			TablePrefix:  cfg.SQLite.TablePrefix,
			TagCacheSize: cfg.SQLite.TagCacheSize,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		log.WithField("path", cfg.SQLite.Path).Info("sqlite storage initialized")
		return backend, nil

	case config.BackendBadger:
		path := cfg.BadgerPath()
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create badger directory")
		}
		store, err := badger.New(badger.Config{
			Path:        path,
			MaxMemoryMB: cfg.Badger.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		log.WithField("path", path).Info("badger storage initialized with snappy compression")
		return store, nil
	}

	return nil, errors.Errorf("unknown backend %q", cfg.Backend)
}

// InitializeKeeper builds the keeper over backend, logging through log,
// counting into reg and publishing every stored metric to hub.
func InitializeKeeper(cfg config.Config, backend storage.Backend, log logrus.FieldLogger, reg prometheus.Registerer, hub *Hub) (*keeper.Keeper, error) {
	opts := []keeper.Option{
		keeper.WithLogger(keeper.NewLogrusLogger(log)),
		keeper.WithInstrumentation(keeper.NewInstrumentation(reg)),
	}
	if cfg.UniformMatching {
		opts = append(opts, keeper.WithUniformMatching())
	}
	if hub != nil {
		opts = append(opts, keeper.WithStoredHook(hub.Publish))
	}
	return keeper.New(backend, opts...)
}
