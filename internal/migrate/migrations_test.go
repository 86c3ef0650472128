package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sharebook/internal/db"
	"sharebook/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, migrate.MigrateContext(ctx, conn))
	require.NoError(t, migrate.MigrateContext(ctx, conn))

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestJobHistoryIsAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = conn.Exec(`INSERT INTO job_history(cycle_id,task_kind,target_kind,target_id,period_key,executed_at,outcome) VALUES ('c1','reminder','reservation','r1','2024-01-01','2024-01-01T00:00:00Z','success')`)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE job_history SET outcome='failed'`)
	require.ErrorContains(t, err, "append-only")
	_, err = conn.Exec(`DELETE FROM job_history`)
	require.ErrorContains(t, err, "append-only")
}
