package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestExtractUp(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (id INTEGER);\n", ExtractUp(content))
	assert.Equal(t, "SELECT 1;", ExtractUp("SELECT 1;"))
}

func TestApplyRunsEachFileOnce(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations := fstest.MapFS{
		"001_init.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE things (id INTEGER PRIMARY KEY);\n")},
		"002_seed.sql": {Data: []byte("-- +migrate Up\nINSERT INTO things (id) VALUES (1);\n")},
		"README.md":    {Data: []byte("ignored")},
	}
	ctx := context.Background()

	require.NoError(t, Apply(ctx, db, migrations, "."))
	require.NoError(t, Apply(ctx, db, migrations, "."))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM things").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestApplyRequiresDB(t *testing.T) {
	require.Error(t, Apply(context.Background(), nil, fstest.MapFS{}, "."))
}
