package store

import "fmt"

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
)

// dialect captures the handful of SQL differences between the supported
// engines. Everything else goes through sqlx.Rebind on `?` placeholders.
type dialect struct {
	name       string
	driverName string // database/sql driver registration name

	// insertIgnorePrefix and insertIgnoreSuffix wrap an INSERT so a
	// duplicate-row attempt is silently dropped instead of erroring.
	insertIgnorePrefix string
	insertIgnoreSuffix string

	// returningID reports whether INSERT ... RETURNING id is required to
	// learn an auto-generated integer ID (Postgres). The other engines use
	// LastInsertId.
	returningID bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case driverSQLite:
		return dialect{
			name:               driverSQLite,
			driverName:         "sqlite",
			insertIgnorePrefix: "INSERT ",
			insertIgnoreSuffix: " ON CONFLICT DO NOTHING",
		}, nil
	case driverPostgres:
		return dialect{
			name:               driverPostgres,
			driverName:         "pgx",
			insertIgnorePrefix: "INSERT ",
			insertIgnoreSuffix: " ON CONFLICT DO NOTHING",
			returningID:        true,
		}, nil
	case driverMySQL:
		return dialect{
			name:               driverMySQL,
			driverName:         "mysql",
			insertIgnorePrefix: "INSERT IGNORE ",
			insertIgnoreSuffix: "",
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q (supported: sqlite, postgres, mysql)", driver)
	}
}

// insertIgnore renders an idempotent insert from the body of an INSERT
// statement (everything after the INSERT keyword).
func (d dialect) insertIgnore(body string) string {
	return d.insertIgnorePrefix + body + d.insertIgnoreSuffix
}
