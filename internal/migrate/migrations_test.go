package migrate_test

import (
	"context"
	"testing"

	"fieldwatch/internal/db"
	"fieldwatch/internal/migrate"

	"github.com/stretchr/testify/require"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	latest, err := migrate.Latest()
	require.NoError(t, err)

	v, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n))
	require.Zero(t, n)
}
