package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/store"
	"github.com/roach88/transit/internal/store/storetest"
)

// testURL returns the database used by integration tests, skipping the
// test when none is configured.
func testURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("TRANSIT_TEST_POSTGRES_URL")
	if u == "" {
		t.Skip("TRANSIT_TEST_POSTGRES_URL not set")
	}
	return u
}

// createTestBackend opens a backend confined to a fresh schema that is
// dropped when the test ends.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	base := testURL(t)
	ctx := context.Background()

	admin, err := sql.Open("pgx", base)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	schemaName := "transit_test_" + uuid.NewString()[:8]
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schemaName))
	})

	u, err := url.Parse(base)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schemaName)
	u.RawQuery = q.Encode()

	b, err := Open(ctx, DefaultConfig(u.String()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return createTestBackend(t)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig("postgres://localhost/transit")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }},
		{"single connection", func(c *Config) { c.MaxOpenConns = 1 }},
		{"negative idle", func(c *Config) { c.MaxIdleConns = -1 }},
		{"idle above open", func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
		{"negative lifetime", func(c *Config) { c.ConnMaxLifetime = -time.Second }},
		{"negative idle time", func(c *Config) { c.ConnMaxIdleTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, ir.IsConfiguration(err))
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.True(t, ir.IsConfiguration(err))
}

func TestSetupIdempotent(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Setup(ctx))
	require.NoError(t, b.Setup(ctx))

	var count int
	require.NoError(t, b.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestClaim_FailedWriteKeepsOtherCompletions(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Setup(ctx))

	for _, id := range []string{"task_0001", "task_0002"} {
		_, err := b.InsertTask(ctx, ir.Task{ID: id, TransitionID: "tsn_0001", Consumer: id, State: ir.TaskCreated})
		require.NoError(t, err)
	}

	_, err := b.ClaimTasks(ctx, 10, func(ctx context.Context, sc store.Claim) error {
		c := sc.(*claim)
		require.NoError(t, c.Complete(ctx, "task_0001"))
		assert.Error(t, c.exec(ctx, "UPDATE no_such_table SET x = 1"))
		return c.Complete(ctx, "task_0002")
	})
	require.NoError(t, err)

	completed, err := b.ListTasks(ctx, ir.TaskCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}
