package systemstatus

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

// SystemStatusStore holds per-process self reports as JSON blobs.
type SystemStatusStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *SystemStatusStore {
	return &SystemStatusStore{
		db:  db,
		Log: logFactory("SystemStatusStore"),
	}
}

// Upsert replaces the status JSON for the named process.
func (d *SystemStatusStore) Upsert(ctx context.Context, txOrNil *store.Tx, what, statusJSON string) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		if _, err := w.Delete("systemstatus").Where(goqu.Ex{"what": what}).Executor().ExecContext(ctx); err != nil {
			return err
		}
		_, err := w.Insert("systemstatus").Rows(goqu.Record{"what": what, "status": statusJSON}).Executor().ExecContext(ctx)
		return err
	})
}

// Get returns the status JSON for the named process, or "" if absent.
func (d *SystemStatusStore) Get(ctx context.Context, txOrNil *store.Tx, what string) (string, error) {
	var status string
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		_, err := r.ScanValContext(ctx, &status, "select status from systemstatus where what = $1", what)
		return err
	})
	return status, err
}

// Delete removes the status row for the named process.
func (d *SystemStatusStore) Delete(ctx context.Context, txOrNil *store.Tx, what string) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		_, err := w.Delete("systemstatus").Where(goqu.Ex{"what": what}).Executor().ExecContext(ctx)
		return err
	})
}
