package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultDBName = "collabflow.db"

// defaultPragmas keep referential integrity on and writes patient enough
// for a workspace database shared by CLI and server processes.
var defaultPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// Config locates the workspace database. Pragmas override the default
// connection pragma set when non-empty.
type Config struct {
	Workspace string
	Pragmas   []string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".collabflow", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".collabflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace SQLite database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	pragmas := cfg.Pragmas
	if len(pragmas) == 0 {
		pragmas = defaultPragmas
	}
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(dbPath(cfg.Workspace))
	dsn.WriteString("?cache=shared")
	for _, p := range pragmas {
		dsn.WriteString("&_pragma=")
		dsn.WriteString(p)
	}
	return sql.Open("sqlite", dsn.String())
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
