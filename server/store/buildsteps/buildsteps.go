package buildsteps

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

type BuildStepStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildStepStore {
	return &BuildStepStore{
		db:  db,
		Log: logFactory("BuildStepStore"),
	}
}

// allocStepNr picks the next stepnr for a build. The caller retries on a
// conflicting concurrent insert.
func (d *BuildStepStore) allocStepNr(ctx context.Context, tx *store.Tx, buildID int64) (int, error) {
	var maxStepNr sql.NullInt64
	err := d.db.Read(tx, func(r store.Reader) error {
		_, err := r.ScanValContext(ctx, &maxStepNr, "select max(stepnr) from buildsteps where build = $1", buildID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(maxStepNr.Int64) + 1, nil
}

// Create inserts a build step row. When status is busy a step_started
// notification is emitted. Step number allocation is retried on conflict
// with a concurrent insert for the same build.
func (d *BuildStepStore) Create(
	ctx context.Context,
	tx *store.Tx,
	startTime int64,
	buildID int64,
	step *models.Step,
	machine string,
	status models.BuildStatus,
	errorMsg string,
	propagatedFrom int64,
) (int, error) {
	for {
		stepNr, err := d.allocStepNr(ctx, tx, buildID)
		if err != nil {
			return 0, err
		}

		record := goqu.Record{
			"build":   buildID,
			"stepnr":  stepNr,
			"type":    models.StepTypeBuild,
			"drvpath": string(step.DrvPath),
			"machine": machine,
			"system":  step.Drv.Platform,
		}
		if status == models.BuildStatusBusy {
			record["busy"] = 1
		} else {
			record["busy"] = 0
			record["status"] = int(status)
			if startTime != 0 {
				record["stoptime"] = startTime
			}
		}
		if startTime != 0 {
			record["starttime"] = startTime
		}
		if propagatedFrom != 0 {
			record["propagatedfrom"] = propagatedFrom
		}
		if errorMsg != "" {
			record["errormsg"] = errorMsg
		}

		var inserted int64
		err = d.db.Write(tx, func(w store.Writer) error {
			result, err := w.Insert("buildsteps").Rows(record).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
			inserted, err = result.RowsAffected()
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("error creating build step: %w", err)
		}
		if inserted == 0 {
			continue // lost a stepnr race, try the next number
		}

		if err := d.insertOutputs(ctx, tx, buildID, stepNr, step.Drv.OutputPaths()); err != nil {
			return 0, err
		}

		if status == models.BuildStatusBusy {
			if err := d.db.Notify(tx, store.ChannelStepStarted, store.StepPayload(buildID, stepNr, "")); err != nil {
				return 0, err
			}
		}
		return stepNr, nil
	}
}

func (d *BuildStepStore) insertOutputs(ctx context.Context, tx *store.Tx, buildID int64, stepNr int, outputs map[string]nix.StorePath) error {
	return d.db.Write(tx, func(w store.Writer) error {
		for name, path := range outputs {
			_, err := w.Insert("buildstepoutputs").Rows(goqu.Record{
				"build":  buildID,
				"stepnr": stepNr,
				"name":   name,
				"path":   string(path),
			}).Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePhase records the progress of a busy step. It is an error if the step
// is no longer busy.
func (d *BuildStepStore) UpdatePhase(ctx context.Context, tx *store.Tx, buildID int64, stepNr int, phase models.StepPhase) error {
	var affected int64
	err := d.db.Write(tx, func(w store.Writer) error {
		result, err := w.Update("buildsteps").
			Set(goqu.Record{"busy": int(phase)}).
			Where(goqu.Ex{"build": buildID, "stepnr": stepNr}, goqu.L("busy != 0"), goqu.L("status is null")).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("step %d of build %d is in an unexpected state", stepNr, buildID)
	}
	return nil
}

// Finish records the result of a busy step and emits step_finished.
func (d *BuildStepStore) Finish(ctx context.Context, tx *store.Tx, result *models.RemoteResult, buildID int64, stepNr int, machine string) error {
	record := goqu.Record{
		"busy":      0,
		"status":    int(result.StepStatus),
		"starttime": result.StartTime.Unix(),
		"stoptime":  result.StopTime.Unix(),
	}
	if result.ErrorMsg != "" {
		record["errormsg"] = result.ErrorMsg
	}
	if machine != "" {
		record["machine"] = machine
	}
	if result.Overhead != 0 {
		record["overhead"] = int(result.Overhead.Milliseconds())
	}
	if result.TimesBuilt > 0 {
		record["timesbuilt"] = result.TimesBuilt
	}
	if result.TimesBuilt > 1 {
		record["isnondeterministic"] = result.IsNonDeterministic
	}
	err := d.db.Write(tx, func(w store.Writer) error {
		_, err := w.Update("buildsteps").Set(record).Where(goqu.Ex{"build": buildID, "stepnr": stepNr}).Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("error finishing step %d of build %d: %w", stepNr, buildID, err)
	}
	return d.db.Notify(tx, store.ChannelStepFinished, store.StepPayload(buildID, stepNr, result.LogFile))
}

// CreateSubstitution records a step that was satisfied by copying outputName
// of drvPath from elsewhere instead of building.
func (d *BuildStepStore) CreateSubstitution(
	ctx context.Context,
	tx *store.Tx,
	startTime, stopTime int64,
	buildID int64,
	drvPath nix.StorePath,
	outputName string,
	storePath nix.StorePath,
) (int, error) {
	for {
		stepNr, err := d.allocStepNr(ctx, tx, buildID)
		if err != nil {
			return 0, err
		}
		var inserted int64
		err = d.db.Write(tx, func(w store.Writer) error {
			result, err := w.Insert("buildsteps").Rows(goqu.Record{
				"build":     buildID,
				"stepnr":    stepNr,
				"type":      models.StepTypeSubstitution,
				"drvpath":   string(drvPath),
				"busy":      0,
				"status":    int(models.BuildStatusSuccess),
				"starttime": startTime,
				"stoptime":  stopTime,
			}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
			inserted, err = result.RowsAffected()
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("error creating substitution step: %w", err)
		}
		if inserted == 0 {
			continue
		}
		err = d.insertOutputs(ctx, tx, buildID, stepNr, map[string]nix.StorePath{outputName: storePath})
		if err != nil {
			return 0, err
		}
		return stepNr, nil
	}
}

// ClearBusy marks all busy steps aborted; called on startup to clean up after
// a crash.
func (d *BuildStepStore) ClearBusy(ctx context.Context, txOrNil *store.Tx, stopTime int64) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		record := goqu.Record{
			"busy":   0,
			"status": int(models.BuildStatusAborted),
		}
		if stopTime != 0 {
			record["stoptime"] = stopTime
		}
		_, err := w.Update("buildsteps").Set(record).Where(goqu.L("busy != 0")).Executor().ExecContext(ctx)
		return err
	})
}

// AbortOrphaned aborts one specific step left busy by a failed database
// update.
func (d *BuildStepStore) AbortOrphaned(ctx context.Context, txOrNil *store.Tx, buildID int64, stepNr int) error {
	return d.db.Write(txOrNil, func(w store.Writer) error {
		_, err := w.Update("buildsteps").
			Set(goqu.Record{"busy": 0, "status": int(models.BuildStatusAborted)}).
			Where(goqu.Ex{"build": buildID, "stepnr": stepNr}, goqu.L("busy != 0")).
			Executor().ExecContext(ctx)
		return err
	})
}

// FindPreviousFailure locates the build that originally failed building
// drvPath (or any of its output paths), for propagation of cached failures.
func (d *BuildStepStore) FindPreviousFailure(ctx context.Context, txOrNil *store.Tx, drvPath nix.StorePath, outputs map[string]nix.StorePath) (int64, error) {
	var propagatedFrom sql.NullInt64
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		_, err := r.ScanValContext(ctx, &propagatedFrom,
			"select max(build) from buildsteps where drvpath = $1 and starttime != 0 and stoptime != 0 and status = 1",
			string(drvPath))
		return err
	})
	if err != nil {
		return 0, err
	}
	if propagatedFrom.Valid && propagatedFrom.Int64 != 0 {
		return propagatedFrom.Int64, nil
	}
	for _, path := range outputs {
		err := d.db.Read(txOrNil, func(r store.Reader) error {
			_, err := r.ScanValContext(ctx, &propagatedFrom,
				`select max(s.build) from buildsteps s join buildstepoutputs o on s.build = o.build and s.stepnr = o.stepnr
				 where s.starttime != 0 and s.stoptime != 0 and s.status = 1 and o.path = $1`,
				string(path))
			return err
		})
		if err != nil {
			return 0, err
		}
		if propagatedFrom.Valid && propagatedFrom.Int64 != 0 {
			return propagatedFrom.Int64, nil
		}
	}
	return 0, nil
}

// GetStepHistory returns (startTime, stopTime) pairs of recent build steps of
// a jobset, used to seed scheduling share accounting.
func (d *BuildStepStore) GetStepHistory(ctx context.Context, txOrNil *store.Tx, jobsetID int64, since int64) ([][2]int64, error) {
	type row struct {
		StartTime sql.NullInt64 `db:"starttime"`
		StopTime  sql.NullInt64 `db:"stoptime"`
	}
	var rows []*row
	err := d.db.Read(txOrNil, func(r store.Reader) error {
		return r.ScanStructsContext(ctx, &rows,
			`select s.starttime as starttime, s.stoptime as stoptime
			 from buildsteps s join builds b on s.build = b.id
			 where s.starttime is not null and s.stoptime > $1 and b.jobset_id = $2`,
			since, jobsetID)
	})
	if err != nil {
		return nil, err
	}
	var history [][2]int64
	for _, r := range rows {
		if r.StartTime.Valid && r.StopTime.Valid {
			history = append(history, [2]int64{r.StartTime.Int64, r.StopTime.Int64})
		}
	}
	return history, nil
}
