package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/config"
	"github.com/trna-workbench/backend/internal/db"
	"github.com/trna-workbench/backend/internal/repository"
)

// openStore opens the database and the Record Store on top of it. The
// returned close function releases the database. An exclusive store keeps
// every other process out of the database until it is closed.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger, exclusive bool) (*cache.Store, func() error, error) {
	if dir := filepath.Dir(cfg.Store.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	open := db.Open
	if exclusive {
		open = db.OpenExclusive
	}
	database, err := open(cfg.Store.DBPath)
	if db.IsBusy(err) {
		return nil, nil, fmt.Errorf("database %s is in use by another process; while the server runs, change records through its HTTP API: %w", cfg.Store.DBPath, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	var mappings cache.Mappings
	if cfg.Store.MappingFile != "" {
		mappings, err = cache.LoadMappings(cfg.Store.MappingFile)
		if err != nil {
			database.Close()
			return nil, nil, err
		}
		log.Info("mappings loaded", zap.String("path", cfg.Store.MappingFile), zap.Int("ids", len(mappings)))
	}

	store, err := cache.NewStore(ctx, repository.NewSequenceRepository(database), log, cache.Config{
		ExternalBaseURL: cfg.Store.ExternalBaseURL,
		Mappings:        mappings,
	})
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return store, database.Close, nil
}
