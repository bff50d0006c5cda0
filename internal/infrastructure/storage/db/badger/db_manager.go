package dbbadger

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// DbManager opens and owns the badger store backing trade persistence.
type DbManager struct {
	Store *badger.DB
}

// NewDbManager opens (or creates if not exists) the badger store on disk.
// It expects a base data dir and an optional logger.
func NewDbManager(baseDbDir string, logger badger.Logger) (*DbManager, error) {
	db, err := createDb(baseDbDir+"/trades", logger)
	if err != nil {
		return nil, fmt.Errorf("opening trades db: %w", err)
	}
	return &DbManager{Store: db}, nil
}

func (d *DbManager) Close() error {
	return d.Store.Close()
}

func createDb(dbDir string, logger badger.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger
	return badger.Open(opts)
}
