package database

import "strings"

// Driver names a database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

func (d Driver) String() string { return string(d) }

// DetectDriver infers the backend from a connection string. An empty string
// selects SQLite so a bare checkout runs without a server.
func DetectDriver(url string) Driver {
	switch {
	case url == "":
		return DriverSQLite
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"),
		strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"), strings.HasSuffix(url, ".sqlite3"):
		return DriverSQLite
	default:
		return DriverPostgres
	}
}

// ParseDriver resolves an explicit setting, falling back to detection for "" and "auto".
func ParseDriver(setting, url string) Driver {
	switch Driver(strings.ToLower(setting)) {
	case DriverPostgres:
		return DriverPostgres
	case DriverSQLite:
		return DriverSQLite
	default:
		return DetectDriver(url)
	}
}
