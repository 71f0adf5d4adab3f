// app.go
package main

import (
	"termrewind/internal/backup"
	"termrewind/internal/config"
	"termrewind/internal/export"
	"termrewind/internal/ledger"
	"termrewind/internal/recorder"
	"termrewind/internal/rollback"
)

// App wires the stores and managers for one installation.
type App struct {
	Config   *config.Config
	DB       *ledger.DB
	Backups  *backup.Store
	Recorder *recorder.Recorder
	Rollback *rollback.Manager
	Exporter *export.Exporter
}

// NewApp opens the ledger and backup store described by cfg and wires the
// managers on top of them.
func NewApp(cfg *config.Config) (*App, error) {
	db, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	store, err := backup.NewStore(cfg.BackupDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		DB:       db,
		Backups:  store,
		Recorder: recorder.New(db, store, cfg.Settings),
		Rollback: rollback.NewManager(db, store),
		Exporter: export.New(db),
	}, nil
}

// Close releases the underlying database.
func (a *App) Close() error {
	return a.DB.Close()
}
