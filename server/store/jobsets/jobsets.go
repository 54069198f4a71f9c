package jobsets

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

type JobsetStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobsetStore {
	return &JobsetStore{
		db:  db,
		Log: logFactory("JobsetStore"),
	}
}

// GetSchedulingShares reads the share allocation of one jobset.
func (d *JobsetStore) GetSchedulingShares(ctx context.Context, txOrNil *store.Tx, jobsetID int64) (int, error) {
	var shares int
	var found bool
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		ok, err := r.ScanValContext(ctx, &shares, "select schedulingshares from jobsets where id = $1", jobsetID)
		found = ok
		return err
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("jobset %d does not exist", jobsetID)
	}
	return shares, nil
}

// SharesRow is a jobset's identity plus its scheduling shares.
type SharesRow struct {
	Project string `db:"project"`
	Name    string `db:"name"`
	Shares  int    `db:"schedulingshares"`
}

// GetAllShares returns scheduling shares for every jobset.
func (d *JobsetStore) GetAllShares(ctx context.Context, txOrNil *store.Tx) ([]*SharesRow, error) {
	var rows []*SharesRow
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &rows, "select project, name, schedulingshares from jobsets")
	})
	return rows, err
}

// Create inserts a jobset row, for tests and local tooling.
func (d *JobsetStore) Create(ctx context.Context, txOrNil *store.Tx, project, name string, shares int) (int64, error) {
	var id int64
	err := d.db.Write(txOrNil, func(w store.Writer) error {
		result, err := w.Insert("jobsets").Rows(goqu.Record{
			"project":          project,
			"name":             name,
			"schedulingshares": shares,
		}).Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		if d.db.Driver == store.Sqlite {
			id, err = result.LastInsertId()
			return err
		}
		_, err = r2ScanID(ctx, w, &id)
		return err
	})
	return id, err
}

func r2ScanID(ctx context.Context, r store.Reader, id *int64) (bool, error) {
	return r.ScanValContext(ctx, id, "select max(id) from jobsets")
}
