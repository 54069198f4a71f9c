package migrations

import (
	"fmt"

	"github.com/hydrogen-ci/hydrogen/server/store"
)

// DialectTemplate is the templating control for differing SQL syntax between
// the supported databases.
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
	BigInt            string
}

func NewPostgresDialectTemplate() *DialectTemplate {
	return &DialectTemplate{
		Binary:            "BYTEA",
		IntegerPrimaryKey: "SERIAL PRIMARY KEY",
		BigInt:            "BIGINT",
	}
}

func NewSqliteDialectTemplate() *DialectTemplate {
	return &DialectTemplate{
		Binary:            "BLOB",
		IntegerPrimaryKey: "integer NOT NULL PRIMARY KEY AUTOINCREMENT",
		BigInt:            "INTEGER",
	}
}

func GetDialectForDriver(driver store.DBDriver) (*DialectTemplate, error) {
	switch driver {
	case store.Sqlite:
		return NewSqliteDialectTemplate(), nil
	case store.Postgres:
		return NewPostgresDialectTemplate(), nil
	}
	return nil, fmt.Errorf("error unsupported database driver: %s", driver)
}
