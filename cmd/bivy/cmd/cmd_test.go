package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const projectConfig = `version: 1
database:
  driver: sqlite
  dsn: app.db
indexes:
  - name: tents_idx
    backend: sqlite
    path: indexes/tents.db
models:
  - type: Tent
    table: tents
    bindings:
      - index: tents_idx
dispatch:
  queue: sqlite
  path: queue.db
  workers: 1
`

// execute runs the CLI with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// newProject writes .bivy.yaml and a tents table holding rows, isolated
// from any user config on the machine.
func newProject(t *testing.T, rows ...string) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".bivy.yaml"), []byte(projectConfig), 0o644))

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "app.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE tents (id INTEGER PRIMARY KEY, name TEXT)").Error)
	for _, name := range rows {
		require.NoError(t, db.Exec("INSERT INTO tents (name) VALUES (?)", name).Error)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	return dir
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}
