package main

import (
	"context"
	"fmt"
	"time"

	"fleet_ops/config"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/database"
	"fleet_ops/internal/global"

	"github.com/sirupsen/logrus"
)

// InitStore mở state store theo STORE_DRIVER. Với mongo thì đăng ký database và collections vào registry.
func InitStore(cfg *config.Configuration) (store.StateStore, error) {
	switch cfg.StoreDriver {
	case "memory":
		logrus.Warn("Using in-memory state store, runs are lost on restart")
		return store.NewMemoryStore(), nil

	case "sqlite":
		path := cfg.SQLitePath
		if path != ":memory:" {
			path = resolvePath(path)
		}
		st, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		logrus.WithField("path", path).Info("Opened SQLite state store")
		return st, nil

	case "mongo":
		client, err := database.GetInstance(cfg)
		if err != nil {
			return nil, err
		}
		global.MongoDB_Session = client

		db := client.Database(cfg.MongoDB_DBName_Agent)
		if _, err := global.RegistryDatabase.Register(cfg.MongoDB_DBName_Agent, db); err != nil {
			return nil, fmt.Errorf("register database %s: %w", cfg.MongoDB_DBName_Agent, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st, err := store.NewMongoStore(ctx, db, global.RegistryCollections)
		if err != nil {
			return nil, err
		}
		logrus.WithField("collections", global.RegistryCollections.Names()).Info("Initialized collection registry")
		return st, nil
	}
	return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
}
