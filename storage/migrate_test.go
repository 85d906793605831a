package storage

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaMigrationsEmbedded(t *testing.T) {
	fsys := SchemaMigrations()
	entries, err := fs.ReadDir(fsys, ".")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	schema, err := fs.ReadFile(fsys, entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"voters", "candidates", "parties", "votes", "indirect_votes", "vote_counts"} {
		require.Contains(t, strings.ToLower(string(schema)), "create table if not exists "+table, table)
	}
}
