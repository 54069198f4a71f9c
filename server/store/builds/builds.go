package builds

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

// QueuedBuildRow is one unfinished build as read from the queue, joined with
// its jobset.
type QueuedBuildRow struct {
	ID             int64  `db:"id"`
	JobsetID       int64  `db:"jobset_id"`
	Project        string `db:"project"`
	Jobset         string `db:"jobset"`
	Job            string `db:"job"`
	DrvPath        string `db:"drvpath"`
	MaxSilent      int    `db:"maxsilent"`
	Timeout        int    `db:"timeout"`
	Timestamp      int64  `db:"timestamp"`
	GlobalPriority int    `db:"globalpriority"`
	Priority       int    `db:"priority"`
}

type BuildStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildStore {
	return &BuildStore{
		db:  db,
		Log: logFactory("BuildStore"),
	}
}

// GetQueuedBuilds reads all unfinished builds ordered by descending global
// priority; ties are randomised so no jobset starves another.
func (d *BuildStore) GetQueuedBuilds(ctx context.Context, txOrNil *store.Tx) ([]*QueuedBuildRow, error) {
	var rows []*QueuedBuildRow
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		query := `select builds.id as id, builds.jobset_id as jobset_id, jobsets.project as project,
			 jobsets.name as jobset, builds.job as job, builds.drvpath as drvpath,
			 builds.maxsilent as maxsilent, builds.timeout as timeout, builds.timestamp as timestamp,
			 builds.globalpriority as globalpriority, builds.priority as priority
			 from builds inner join jobsets on builds.jobset_id = jobsets.id
			 where finished = 0 order by globalpriority desc, random()`
		return r.ScanStructsContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, fmt.Errorf("error reading queued builds: %w", err)
	}
	return rows, nil
}

// GetQueuedIDs returns the IDs of all unfinished builds with their current
// global priority.
func (d *BuildStore) GetQueuedIDs(ctx context.Context, txOrNil *store.Tx) (map[int64]int, error) {
	type row struct {
		ID             int64 `db:"id"`
		GlobalPriority int   `db:"globalpriority"`
	}
	var rows []*row
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &rows, "select id, globalpriority from builds where finished = 0")
	})
	if err != nil {
		return nil, fmt.Errorf("error reading queued build ids: %w", err)
	}
	ids := make(map[int64]int, len(rows))
	for _, r := range rows {
		ids[r.ID] = r.GlobalPriority
	}
	return ids, nil
}

// IsUnfinished reports whether the build still has finished = 0.
func (d *BuildStore) IsUnfinished(ctx context.Context, txOrNil *store.Tx, id int64) (bool, error) {
	var found bool
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		var one int
		ok, err := r.ScanValContext(ctx, &one, "select 1 from builds where id = $1 and finished = 0", id)
		found = ok
		return err
	})
	return found, err
}

// MarkFinished marks a build finished with the given status. A no-op if the
// build is already finished.
func (d *BuildStore) MarkFinished(ctx context.Context, txOrNil *store.Tx, id int64, status models.BuildStatus, startTime, stopTime int64, isCachedBuild bool) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		cached := 0
		if isCachedBuild {
			cached = 1
		}
		_, err := w.Update("builds").
			Set(goqu.Record{
				"finished":                 1,
				"buildstatus":              int(status),
				"starttime":                startTime,
				"stoptime":                 stopTime,
				"iscachedbuild":            cached,
				"notificationpendingsince": stopTime,
			}).
			Where(goqu.Ex{"id": id, "finished": 0}).
			Executor().ExecContext(ctx)
		return err
	})
}

// MarkSucceeded records a successful build along with its products and
// metrics. A no-op if the build is already finished.
func (d *BuildStore) MarkSucceeded(ctx context.Context, tx *store.Tx, build *models.Build, res *models.BuildOutput, isCachedBuild bool, startTime, stopTime int64) error {
	unfinished, err := d.IsUnfinished(ctx, tx, build.ID)
	if err != nil {
		return err
	}
	if !unfinished {
		return nil
	}

	status := models.BuildStatusSuccess
	if res.Failed {
		status = models.BuildStatusFailedWithOutput
	}
	err = d.db.Write(tx, func(w store.Writer) error {
		cached := 0
		if isCachedBuild {
			cached = 1
		}
		var releaseName sql.NullString
		if res.ReleaseName != "" {
			releaseName = sql.NullString{String: res.ReleaseName, Valid: true}
		}
		_, err := w.Update("builds").
			Set(goqu.Record{
				"finished":                 1,
				"buildstatus":              int(status),
				"starttime":                startTime,
				"stoptime":                 stopTime,
				"size":                     res.Size,
				"closuresize":              res.ClosureSize,
				"releasename":              releaseName,
				"iscachedbuild":            cached,
				"notificationpendingsince": stopTime,
			}).
			Where(goqu.Ex{"id": build.ID}).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}

		if _, err := w.Delete("buildproducts").Where(goqu.Ex{"build": build.ID}).Executor().ExecContext(ctx); err != nil {
			return err
		}
		for i, product := range res.Products {
			record := goqu.Record{
				"build":     build.ID,
				"productnr": i + 1,
				"type":      product.Type,
				"subtype":   product.SubType,
				"path":      product.Path,
				"name":      product.Name,
			}
			if product.IsRegular {
				record["filesize"] = product.FileSize
				record["sha256hash"] = product.SHA256Hash
			}
			if product.DefaultPath != "" {
				record["defaultpath"] = product.DefaultPath
			}
			if _, err := w.Insert("buildproducts").Rows(record).Executor().ExecContext(ctx); err != nil {
				return err
			}
		}

		if _, err := w.Delete("buildmetrics").Where(goqu.Ex{"build": build.ID}).Executor().ExecContext(ctx); err != nil {
			return err
		}
		for _, metric := range res.Metrics {
			record := goqu.Record{
				"build":     build.ID,
				"name":      metric.Name,
				"value":     metric.Value,
				"project":   build.ProjectName,
				"jobset":    build.JobsetName,
				"job":       build.JobName,
				"timestamp": build.Timestamp,
			}
			if metric.Unit != "" {
				record["unit"] = metric.Unit
			}
			if _, err := w.Insert("buildmetrics").Rows(record).Executor().ExecContext(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error marking build %d succeeded: %w", build.ID, err)
	}
	return nil
}

// GetFinishedBuildOutput looks for a previously finished build whose output
// is path, returning its recorded digest if found.
func (d *BuildStore) GetFinishedBuildOutput(ctx context.Context, txOrNil *store.Tx, path string) (*models.BuildOutput, bool, error) {
	type row struct {
		ID          int64          `db:"id"`
		BuildStatus int            `db:"buildstatus"`
		ReleaseName sql.NullString `db:"releasename"`
		ClosureSize sql.NullInt64  `db:"closuresize"`
		Size        sql.NullInt64  `db:"size"`
	}
	var builds []*row
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &builds,
			`select b.id as id, b.buildstatus as buildstatus, b.releasename as releasename,
			 b.closuresize as closuresize, b.size as size
			 from builds b join buildstepoutputs o on b.id = o.build
			 where b.finished = 1 and (b.buildstatus = 0 or b.buildstatus = 6) and o.path = $1`, path)
	})
	if err != nil || len(builds) == 0 {
		return nil, false, err
	}
	b := builds[0]

	res := &models.BuildOutput{
		Failed:      b.BuildStatus == int(models.BuildStatusFailedWithOutput),
		ReleaseName: b.ReleaseName.String,
		ClosureSize: uint64(b.ClosureSize.Int64),
		Size:        uint64(b.Size.Int64),
		Metrics:     make(map[string]models.BuildMetric),
	}

	type productRow struct {
		Type        string         `db:"type"`
		SubType     string         `db:"subtype"`
		FileSize    sql.NullInt64  `db:"filesize"`
		SHA256Hash  sql.NullString `db:"sha256hash"`
		Path        sql.NullString `db:"path"`
		Name        string         `db:"name"`
		DefaultPath sql.NullString `db:"defaultpath"`
	}
	var products []*productRow
	err = d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &products,
			"select type, subtype, filesize, sha256hash, path, name, defaultpath from buildproducts where build = $1 order by productnr", b.ID)
	})
	if err != nil {
		return nil, false, err
	}
	for _, p := range products {
		res.Products = append(res.Products, models.BuildProduct{
			Type:        p.Type,
			SubType:     p.SubType,
			IsRegular:   p.FileSize.Valid,
			FileSize:    uint64(p.FileSize.Int64),
			SHA256Hash:  p.SHA256Hash.String,
			Path:        p.Path.String,
			Name:        p.Name,
			DefaultPath: p.DefaultPath.String,
		})
	}

	type metricRow struct {
		Name  string         `db:"name"`
		Unit  sql.NullString `db:"unit"`
		Value float64        `db:"value"`
	}
	var metrics []*metricRow
	err = d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &metrics,
			"select name, unit, value from buildmetrics where build = $1", b.ID)
	})
	if err != nil {
		return nil, false, err
	}
	for _, m := range metrics {
		res.Metrics[m.Name] = models.BuildMetric{Name: m.Name, Unit: m.Unit.String, Value: m.Value}
	}

	d.Infof("reusing build %d", b.ID)
	return res, true, nil
}

// CreateQueued inserts a new queued build row, for tests and local tooling;
// the web frontend normally owns this insert.
func (d *BuildStore) CreateQueued(ctx context.Context, txOrNil *store.Tx, jobsetID int64, job, drvPath string, globalPriority, priority int) (int64, error) {
	var id int64
	err := d.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		err := d.db.Write(tx, func(w store.Writer) error {
			result, err := w.Insert("builds").Rows(goqu.Record{
				"jobset_id":      jobsetID,
				"job":            job,
				"drvpath":        drvPath,
				"timestamp":      time.Now().Unix(),
				"globalpriority": globalPriority,
				"priority":       priority,
				"finished":       0,
			}).Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
			if d.db.Driver == store.Sqlite {
				id, err = result.LastInsertId()
				return err
			}
			ok, err := goquScanID(ctx, w, &id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("error reading inserted build id")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return d.db.Notify(tx, store.ChannelBuildsAdded, fmt.Sprintf("%d", id))
	})
	return id, err
}

func goquScanID(ctx context.Context, r store.Reader, id *int64) (bool, error) {
	return r.ScanValContext(ctx, id, "select max(id) from builds")
}
