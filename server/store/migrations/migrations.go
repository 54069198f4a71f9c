package migrations

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and
// Down SQL. Templated values are substituted for database-specific syntax
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// QueueRunnerMigrations is the set of migrations defining the build queue
// schema.
var QueueRunnerMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_jobsets",
		UpSQL: `CREATE TABLE IF NOT EXISTS jobsets
				(
					id {{ .IntegerPrimaryKey }},
					project text NOT NULL,
					name text NOT NULL,
					enabled integer NOT NULL DEFAULT 1,
					schedulingshares integer NOT NULL DEFAULT 100,
					lastcheckedtime {{ .BigInt }},
					triggertime {{ .BigInt }},
					checkinterval {{ .BigInt }} NOT NULL DEFAULT 0
				);
				CREATE UNIQUE INDEX IF NOT EXISTS jobsets_project_name_unique_index ON jobsets(project, name);`,
		DownSQL: `DROP TABLE jobsets;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					id {{ .IntegerPrimaryKey }},
					jobset_id integer NOT NULL REFERENCES jobsets (id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					job text NOT NULL,
					drvpath text NOT NULL,
					maxsilent integer NOT NULL DEFAULT 7200,
					timeout integer NOT NULL DEFAULT 36000,
					timestamp {{ .BigInt }} NOT NULL,
					globalpriority integer NOT NULL DEFAULT 0,
					priority integer NOT NULL DEFAULT 100,
					finished integer NOT NULL DEFAULT 0,
					buildstatus integer,
					starttime {{ .BigInt }},
					stoptime {{ .BigInt }},
					size {{ .BigInt }},
					closuresize {{ .BigInt }},
					releasename text,
					iscachedbuild integer,
					notificationpendingsince {{ .BigInt }}
				);
				CREATE INDEX IF NOT EXISTS builds_finished_index ON builds(finished) WHERE finished = 0;
				CREATE INDEX IF NOT EXISTS builds_drvpath_index ON builds(drvpath);`,
		DownSQL: `DROP TABLE builds;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_build_steps",
		UpSQL: `CREATE TABLE IF NOT EXISTS buildsteps
				(
					build integer NOT NULL REFERENCES builds (id) ON UPDATE NO ACTION ON DELETE CASCADE,
					stepnr integer NOT NULL,
					type integer NOT NULL DEFAULT 0,
					drvpath text,
					busy integer NOT NULL DEFAULT 0,
					starttime {{ .BigInt }},
					stoptime {{ .BigInt }},
					system text,
					status integer,
					propagatedfrom integer,
					errormsg text,
					machine text NOT NULL DEFAULT '',
					overhead integer,
					timesbuilt integer,
					isnondeterministic integer,
					PRIMARY KEY (build, stepnr)
				);
				CREATE INDEX IF NOT EXISTS buildsteps_drvpath_status_index ON buildsteps(drvpath, status);
				CREATE TABLE IF NOT EXISTS buildstepoutputs
				(
					build integer NOT NULL,
					stepnr integer NOT NULL,
					name text NOT NULL,
					path text NOT NULL,
					PRIMARY KEY (build, stepnr, name),
					FOREIGN KEY (build, stepnr) REFERENCES buildsteps (build, stepnr) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS buildstepoutputs_path_index ON buildstepoutputs(path);`,
		DownSQL: `DROP TABLE buildstepoutputs;
				  DROP TABLE buildsteps;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_build_products",
		UpSQL: `CREATE TABLE IF NOT EXISTS buildproducts
				(
					build integer NOT NULL REFERENCES builds (id) ON UPDATE NO ACTION ON DELETE CASCADE,
					productnr integer NOT NULL,
					type text NOT NULL,
					subtype text NOT NULL,
					filesize {{ .BigInt }},
					sha256hash text,
					path text,
					name text NOT NULL,
					defaultpath text,
					PRIMARY KEY (build, productnr)
				);`,
		DownSQL: `DROP TABLE buildproducts;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_build_metrics",
		UpSQL: `CREATE TABLE IF NOT EXISTS buildmetrics
				(
					build integer NOT NULL REFERENCES builds (id) ON UPDATE NO ACTION ON DELETE CASCADE,
					name text NOT NULL,
					unit text,
					value double precision NOT NULL,
					project text NOT NULL,
					jobset text NOT NULL,
					job text NOT NULL,
					timestamp {{ .BigInt }} NOT NULL,
					PRIMARY KEY (build, name)
				);`,
		DownSQL: `DROP TABLE buildmetrics;`,
	},
	{
		SequenceNumber: 6,
		Name:           "create_failed_paths",
		UpSQL: `CREATE TABLE IF NOT EXISTS failedpaths
				(
					path text NOT NULL PRIMARY KEY
				);`,
		DownSQL: `DROP TABLE failedpaths;`,
	},
	{
		SequenceNumber: 7,
		Name:           "create_system_status",
		UpSQL: `CREATE TABLE IF NOT EXISTS systemstatus
				(
					what text NOT NULL PRIMARY KEY,
					status text NOT NULL
				);`,
		DownSQL: `DROP TABLE systemstatus;`,
	},
}
