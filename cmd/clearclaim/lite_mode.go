package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/Stillwater-Labs/clearclaim/pkg/config"

	_ "modernc.org/sqlite" // SQLite driver (CGO-free)
)

// Lite mode runs the whole pipeline against a local SQLite file so a
// single binary can adjudicate claims with zero infrastructure.
func openLiteDatabase(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := cfg.LiteDatabasePath()
	log.Printf("[clearclaim] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// races between the pipeline and the API.
	db.SetMaxOpenConns(1)
	return db, nil
}
