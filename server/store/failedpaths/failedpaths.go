package failedpaths

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

// FailedPathStore tracks store paths known to fail deterministically so they
// are never built twice.
type FailedPathStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *FailedPathStore {
	return &FailedPathStore{
		db:  db,
		Log: logFactory("FailedPathStore"),
	}
}

// Insert records paths as failed. Inserting a path that is already present
// is a no-op.
func (d *FailedPathStore) Insert(ctx context.Context, txOrNil *store.Tx, paths []nix.StorePath) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		for _, path := range paths {
			_, err := w.Insert("failedpaths").
				Rows(goqu.Record{"path": string(path)}).
				OnConflict(goqu.DoNothing()).
				Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ContainsAny reports whether any of paths is recorded as failed.
func (d *FailedPathStore) ContainsAny(ctx context.Context, txOrNil *store.Tx, paths []nix.StorePath) (bool, error) {
	for _, path := range paths {
		var one int
		var found bool
		err := d.db.Read(txOrNil, func(r store.Reader) error {
			ok, err := r.ScanValContext(ctx, &one, "select 1 from failedpaths where path = $1", string(path))
			found = ok
			return err
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
