package ips

import (
	"context"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// MergeFunc folds an incoming record into the stored one and returns the
// record to persist.
type MergeFunc func(existing, incoming *ipsmodel.Record) *ipsmodel.Record

// RecordRepository persists records keyed by package UUID. Lookups that
// miss return ErrNotFound.
type RecordRepository interface {
	GetByPackageUUID(ctx context.Context, packageUUID string) (*StoredRecord, error)
	// Upsert creates r, or locks the stored record with the same package
	// UUID and replaces it with merge(stored, r) before releasing the lock.
	// merged reports which path ran. A concurrent first insert of the same
	// package yields ErrConflict.
	Upsert(ctx context.Context, r *ipsmodel.Record, merge MergeFunc) (stored *StoredRecord, merged bool, err error)
	// List pages through summaries. params may carry "family" and "given",
	// matched as case-insensitive prefixes.
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*Summary, int, error)
	Delete(ctx context.Context, packageUUID string) error
}
