package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "checkpoints")),
		"sqlite": NewSQLiteStore(filepath.Join(t.TempDir(), "batchpilot.db")),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Start())
			defer func() { _ = st.Close() }()

			_, err := st.Get(KeyQueue)
			assert.ErrorIs(t, err, ErrNotFound, "fresh store must report absent keys")

			require.NoError(t, st.Set(KeyQueue, []byte("schema_version: 1\nfile_type: batch_queue\n")))
			got, err := st.Get(KeyQueue)
			require.NoError(t, err)
			assert.Contains(t, string(got), "batch_queue")

			// Last write wins.
			require.NoError(t, st.Set(KeyQueue, []byte("schema_version: 1\nfile_type: batch_queue\nstate: running\n")))
			got, err = st.Get(KeyQueue)
			require.NoError(t, err)
			assert.Contains(t, string(got), "running")

			require.NoError(t, st.Delete(KeyQueue))
			_, err = st.Get(KeyQueue)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting an absent key is not an error.
			assert.NoError(t, st.Delete(KeyQueue))
		})
	}
}

func TestStore_KeysByPrefix(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Start())
			defer func() { _ = st.Close() }()

			require.NoError(t, st.Set(KeyQueue, []byte("state: idle\n")))
			require.NoError(t, st.Set(JobKey("job_a"), []byte("progress: 1\n")))
			require.NoError(t, st.Set(JobKey("job_b"), []byte("progress: 2\n")))

			keys, err := st.Keys("job/")
			require.NoError(t, err)
			assert.Equal(t, []string{"job/job_a", "job/job_b"}, keys)

			all, err := st.Keys("")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")

	st := NewFileStore(dir)
	require.NoError(t, st.Start())
	require.NoError(t, st.Set(JobKey("job_x"), []byte("state: completed\n")))
	require.NoError(t, st.Close())

	reopened := NewFileStore(dir)
	require.NoError(t, reopened.Start())
	got, err := reopened.Get(JobKey("job_x"))
	require.NoError(t, err)
	assert.Equal(t, "state: completed\n", string(got))
}

func TestSQLiteStore_SurvivesRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "batchpilot.db")

	st := NewSQLiteStore(dsn)
	require.NoError(t, st.Start())
	require.NoError(t, st.Set(KeyQueue, []byte("state: paused\n")))
	require.NoError(t, st.Close())

	reopened := NewSQLiteStore(dsn)
	require.NoError(t, reopened.Start())
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Get(KeyQueue)
	require.NoError(t, err)
	assert.Equal(t, "state: paused\n", string(got))
}
