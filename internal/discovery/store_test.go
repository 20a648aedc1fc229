package discovery

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(name string, port int) *Instance {
	now := time.Now()
	return &Instance{
		ID:        name + "-0123456789abcdef",
		Name:      name,
		Host:      "localhost",
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: now,
		LastPing:  now,
		Version:   "test",
	}
}

func TestStoreRoundtrip(t *testing.T) {
	store := NewStore(t.TempDir())
	inst := testInstance("alpha", 7777)

	require.NoError(t, store.Register(inst))

	got, err := store.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, 7777, got.Port)
	assert.Equal(t, os.Getpid(), got.PID)

	require.NoError(t, store.Unregister(inst.ID))
	_, err = store.Get(inst.ID)
	assert.Error(t, err)

	assert.NoError(t, store.Unregister(inst.ID), "removing twice is not an error")
}

func TestStoreRejectsInvalidInstances(t *testing.T) {
	store := NewStore(t.TempDir())

	cases := []struct {
		name   string
		mutate func(*Instance)
	}{
		{"empty id", func(i *Instance) { i.ID = "" }},
		{"path separator in id", func(i *Instance) { i.ID = "../escape" }},
		{"empty name", func(i *Instance) { i.Name = "" }},
		{"port out of range", func(i *Instance) { i.Port = 70000 }},
		{"zero pid", func(i *Instance) { i.PID = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := testInstance("bad", 7777)
			tc.mutate(inst)
			assert.Error(t, store.Register(inst))
		})
	}
}

func TestStoreRefreshPing(t *testing.T) {
	store := NewStore(t.TempDir())
	inst := testInstance("pinger", 7001)
	inst.LastPing = time.Now().Add(-time.Hour)
	require.NoError(t, store.Register(inst))

	require.NoError(t, store.RefreshPing(inst.ID))

	got, err := store.Get(inst.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastPing, 5*time.Second)
}

func TestStoreRefreshPingMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.Error(t, store.RefreshPing("never-registered"))
}

func TestStoreListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Register(testInstance("good", 7001)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0600))

	instances, err := store.List()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Contains(t, instances, "good-0123456789abcdef")
}

func TestStoreListEmptyDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"))
	instances, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestStoreConcurrentWriters(t *testing.T) {
	store := NewStore(t.TempDir())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inst := testInstance("worker", 7000+n)
			inst.ID = inst.Name + string(rune('a'+n)) + "-0123456789abcdef"
			if err := store.Register(inst); err != nil {
				errs <- err
				return
			}
			errs <- store.RefreshPing(inst.ID)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	instances, err := store.List()
	require.NoError(t, err)
	assert.Len(t, instances, 10)
}

func TestStoreLockContention(t *testing.T) {
	dir := t.TempDir()

	slow := NewStore(dir)
	fast := NewStore(dir)
	fast.lockTimeout = 200 * time.Millisecond

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = slow.withLock(func() error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	err := fast.RefreshPing("whatever")
	close(release)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}
