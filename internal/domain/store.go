package domain

import "context"

// RecordStore persists captured error records on the management side.
type RecordStore interface {
	// Save inserts rec, or bumps the occurrence count when a record with
	// the same ID already exists.
	Save(ctx context.Context, rec ErrorRecord) error
	// List returns all records, newest first.
	List(ctx context.Context) ([]ErrorRecord, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}
