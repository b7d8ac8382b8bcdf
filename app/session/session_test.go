package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Persist(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	state := []byte(`{"cookies":[{"name":"sid","value":"abc"}],"origins":[]}`)
	path, err := s.Persist(state, 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "session.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, state, data)

	for i := 0; i < 3; i++ {
		replica, err := os.ReadFile(filepath.Join(dir, "state", fmt.Sprintf("session-shard-%d.json", i)))
		require.NoError(t, err, "replica for shard %d", i)
		assert.Equal(t, state, replica)
	}

	// no replica beyond the shard count
	_, err = os.Stat(filepath.Join(dir, "state", "session-shard-3.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_PersistRejectsBadInput(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Persist([]byte("not json"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid json")

	_, err = s.Persist([]byte("  \n"), 1)
	require.Error(t, err)

	_, err = s.Persist([]byte(`{}`), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid shard count")
}

func TestStore_PersistOverwrites(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Persist([]byte(`{"cookies":["old"]}`), 2)
	require.NoError(t, err)
	_, err = s.Persist([]byte(`{"cookies":["new"]}`), 2)
	require.NoError(t, err)

	data, err := s.Load(1)
	require.NoError(t, err)
	assert.Equal(t, `{"cookies":["new"]}`, string(data))
}

func TestStore_Load(t *testing.T) {
	s := New(t.TempDir())
	state := []byte(`{"cookies":[],"origins":[]}`)
	_, err := s.Persist(state, 2)
	require.NoError(t, err)

	t.Run("replica preferred", func(t *testing.T) {
		data, err := s.Load(1)
		require.NoError(t, err)
		assert.Equal(t, state, data)
	})

	t.Run("falls back to canonical", func(t *testing.T) {
		require.NoError(t, os.Remove(s.ShardPath(1)))
		data, err := s.Load(1)
		require.NoError(t, err)
		assert.Equal(t, state, data)
	})

	t.Run("missing everything", func(t *testing.T) {
		empty := New(t.TempDir())
		_, err := empty.Load(0)
		require.Error(t, err)
	})

	t.Run("corrupt state rejected", func(t *testing.T) {
		corrupt := New(t.TempDir())
		require.NoError(t, os.MkdirAll(corrupt.Dir, 0o700))
		require.NoError(t, os.WriteFile(corrupt.ShardPath(0), []byte("{broken"), 0o600))
		_, err := corrupt.Load(0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid json")
	})
}

func TestStore_WaitReady(t *testing.T) {
	s := New(t.TempDir())
	s.PollInterval = 10 * time.Millisecond
	s.PollAttempts = 100

	state := []byte(`{"cookies":[{"name":"sid"}]}`)

	// delayed write simulates the owner shard finishing provisioning while
	// a follower is already polling
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := s.Persist(state, 2)
		assert.NoError(t, err)
	}()

	st := time.Now()
	path, err := s.WaitReady(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, s.ShardPath(1), path)
	assert.Less(t, time.Since(st), 2*time.Second)

	data, err := s.Load(1)
	require.NoError(t, err)
	assert.Equal(t, state, data)
}

func TestStore_WaitReadyTimeout(t *testing.T) {
	s := New(t.TempDir())
	s.PollInterval = 5 * time.Millisecond
	s.PollAttempts = 3

	_, err := s.WaitReady(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready for shard 0 after 3 attempts")
}

func TestStore_WaitReadyCanceled(t *testing.T) {
	s := New(t.TempDir())
	s.PollInterval = 20 * time.Millisecond
	s.PollAttempts = 1000

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	st := time.Now()
	_, err := s.WaitReady(ctx, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(st), 5*time.Second, "cancel stops the poll early")
}

func TestStore_Reset(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Persist([]byte(`{"cookies":[]}`), 1)
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	_, err = s.Load(0)
	require.Error(t, err)

	// reset of a missing dir is fine
	require.NoError(t, s.Reset())
}
