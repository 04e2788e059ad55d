package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("CREATE SCHEMA projections;")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql":   {Data: []byte("DROP SCHEMA event_log CASCADE;")},
		"README.md":                   {Data: []byte("not a migration")},
		"000003_dir.up.sql/child.sql": {Data: []byte("ignored")},
	}

	ups, err := readMigrations(files, ".up.sql")
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, "000001", ups[0].version)
	assert.Equal(t, "000001_event_log.up.sql", ups[0].filename)
	assert.Equal(t, "CREATE SCHEMA event_log;", ups[0].sql)
	assert.Equal(t, "000002", ups[1].version)
	assert.Len(t, ups[0].checksum, 64)
	assert.NotEqual(t, ups[0].checksum, ups[1].checksum)

	downs, err := readMigrations(files, ".down.sql")
	require.NoError(t, err)
	require.Len(t, downs, 1)
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"000001_a.up.sql": {Data: []byte("SELECT 1;")},
		"000001_b.up.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := readMigrations(files, ".up.sql")
	assert.ErrorContains(t, err, "share version 000001")
}

func TestReadMigration_ChecksumTracksContent(t *testing.T) {
	a, err := readMigration(fstest.MapFS{"000001_x.up.sql": {Data: []byte("SELECT 1;")}}, "000001_x.up.sql")
	require.NoError(t, err)
	b, err := readMigration(fstest.MapFS{"000001_x.up.sql": {Data: []byte("SELECT 2;")}}, "000001_x.up.sql")
	require.NoError(t, err)
	assert.NotEqual(t, a.checksum, b.checksum)

	_, err = readMigration(fstest.MapFS{}, "missing.up.sql")
	assert.Error(t, err)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, "000001", migrationVersion("000001_event_log.up.sql"))
	assert.Equal(t, "nounderscore.sql", migrationVersion("nounderscore.sql"))
}
