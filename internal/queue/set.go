package queue

import (
	"context"
	"database/sql"
)

// Set bundles every named queue the engine operates on, all backed by the
// same database.
type Set struct {
	Fetch   Store
	Encrypt Store
	Upload  Store
	Share   Store

	FailedUpload Store
	FailedShare  Store

	UploadHistory Store
	ShareHistory  Store

	Download      Store
	Authorization Store
}

// NewSQLiteSet initializes the schema and returns a Set of SQLite-backed
// queues.
func NewSQLiteSet(ctx context.Context, db *sql.DB) (*Set, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Set{
		Fetch:         NewSQLiteStore(db, Fetch),
		Encrypt:       NewSQLiteStore(db, Encrypt),
		Upload:        NewSQLiteStore(db, Upload),
		Share:         NewSQLiteStore(db, Share),
		FailedUpload:  NewSQLiteStore(db, FailedUpload),
		FailedShare:   NewSQLiteStore(db, FailedShare),
		UploadHistory: NewSQLiteStore(db, UploadHistory),
		ShareHistory:  NewSQLiteStore(db, ShareHistory),
		Download:      NewSQLiteStore(db, Download),
		Authorization: NewSQLiteStore(db, Authorization),
	}, nil
}
