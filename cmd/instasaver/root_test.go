package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/insta-saver/internal/app"
	"github.com/JakeFAU/insta-saver/internal/content"
	memoryqueue "github.com/JakeFAU/insta-saver/internal/queue/memory"
	"github.com/JakeFAU/insta-saver/internal/storage/memory"
)

func execute(t *testing.T, args []string, opts ...app.Option) (string, error) {
	t.Helper()
	cmd := newRootCmd(opts...)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "reconcile"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestReconcileEnqueuesPendingRecords(t *testing.T) {
	store := memory.NewRequestStore()
	queue := memoryqueue.NewQueue()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.CreateRequest(context.Background(), content.ContentRequest{
			ID: id, Status: content.StatusPending, RequestedAt: now, UpdatedAt: now,
		}))
	}

	out, err := execute(t, []string{"reconcile"}, app.WithStore(store), app.WithQueue(queue))
	require.NoError(t, err)
	require.Equal(t, "pending=2 enqueued=2 evicted=0\n", out)

	out, err = execute(t, []string{"reconcile"}, app.WithStore(store), app.WithQueue(queue))
	require.NoError(t, err)
	require.Equal(t, "pending=2 enqueued=0 evicted=0\n", out)

	out, err = execute(t, []string{"reconcile", "--rebuild"}, app.WithStore(store), app.WithQueue(queue))
	require.NoError(t, err)
	require.Equal(t, "pending=2 enqueued=2 evicted=0\n", out)
}

func TestServeFailsFastWithoutStore(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SAVER_DATABASE_URL", "")

	_, err := execute(t, []string{"serve"})
	require.ErrorContains(t, err, "database.url is required")
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SAVER_DATABASE_URL", "")

	_, err := execute(t, []string{"migrate"})
	require.ErrorContains(t, err, "database.url is required")

	_, err = execute(t, []string{"migrate", "--status"})
	require.ErrorContains(t, err, "database.url is required")
}

func TestMigrateHasStatusFlag(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"migrate"})
	require.NoError(t, err)
	require.NotNil(t, cmd.Flags().Lookup("status"))
}

func TestInvalidConfigIsReported(t *testing.T) {
	t.Setenv("SAVER_WORKER_CONCURRENCY", "0")

	_, err := execute(t, []string{"reconcile"}, app.WithStore(memory.NewRequestStore()), app.WithQueue(memoryqueue.NewQueue()))
	require.ErrorContains(t, err, "worker.concurrency")
}

func TestEnvFileIsLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SAVER_WORKER_CONCURRENCY=0\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SAVER_WORKER_CONCURRENCY") })

	cmd := newRootCmd(app.WithStore(memory.NewRequestStore()), app.WithQueue(memoryqueue.NewQueue()))
	cmd.SetArgs([]string{"--env-file", path, "reconcile"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "worker.concurrency")
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, loadEnvFile(""))
}
