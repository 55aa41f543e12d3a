package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Options{
		DataDir:          dir,
		Key:              testKey(),
		EnableEncryption: true,
	})
	require.NoError(t, err)
	return s
}

func TestAppendMaintainsCounterInvariant(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	values := []int{5, 5, 0, 36, 5, 0}
	for _, v := range values {
		entry, err := s.Append("alice", v)
		require.NoError(t, err)
		assert.Equal(t, v, entry.Value)
		assert.NotZero(t, entry.Timestamp)
		assert.NotEmpty(t, entry.Date)
		assert.NotEmpty(t, entry.Time)

		// After every append the frequency map equals the multiset of values.
		stats, err := s.Statistics("alice")
		require.NoError(t, err)
		results, err := s.ListResults("alice", -1)
		require.NoError(t, err)

		expected := map[string]int{}
		for _, r := range results {
			expected[CounterKey(r.Value)]++
		}
		assert.Equal(t, expected, stats.Counters)
	}

	stats, err := s.Statistics("alice")
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 3, stats.Counters["5"])
	assert.Equal(t, 2, stats.Counters["0"])
	assert.Equal(t, 1, stats.Counters["36"])
}

func TestZeroValueStoredAsZero(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	entry, err := s.Append("alice", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Value)

	results, err := s.ListResults("alice", -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Value)
}

func TestListResultsLimits(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	for _, v := range []int{1, 2, 3, 4, 5} {
		_, err := s.Append("alice", v)
		require.NoError(t, err)
	}

	empty, err := s.ListResults("alice", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	tail, err := s.ListResults("alice", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 4, tail[0].Value)
	assert.Equal(t, 5, tail[1].Value)

	all, err := s.ListResults("alice", 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, v := range []int{1, 2, 3, 4, 5} {
		assert.Equal(t, v, all[i].Value)
	}
}

func TestHistoryRecordsActions(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, err := s.Append("alice", 7)
	require.NoError(t, err)
	require.NoError(t, s.Clear("alice"))

	history, err := s.ListHistory("alice", -1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ActionResultSubmitted, history[0].Action)
	assert.NotZero(t, history[0].ResultTimestamp)
	assert.Equal(t, ActionResultsCleared, history[1].Action)
}

func TestClearIdempotent(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, err := s.Append("alice", 7)
	require.NoError(t, err)

	require.NoError(t, s.Clear("alice"))
	require.NoError(t, s.Clear("alice"))

	stats, err := s.Statistics("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, stats.Counters)

	// History records both clears.
	history, err := s.ListHistory("alice", -1)
	require.NoError(t, err)
	cleared := 0
	for _, h := range history {
		if h.Action == ActionResultsCleared {
			cleared++
		}
	}
	assert.Equal(t, 2, cleared)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	for _, v := range []int{10, 20, 30} {
		_, err := s.Append("alice", v)
		require.NoError(t, err)
	}
	s.FlushAll()

	reopened := openTestStore(t, dir)
	results, err := reopened.ListResults("alice", -1)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 10, results[0].Value)
	assert.Equal(t, 30, results[2].Value)

	stats, err := reopened.Statistics("alice")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Counters["20"])
}

func TestCorruptionFailsClosedPerTenant(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	_, err := s.Append("alice", 12)
	require.NoError(t, err)
	_, err = s.Append("bob", 30)
	require.NoError(t, err)
	s.FlushAll()

	// Flip a byte inside alice's sealed file.
	path := filepath.Join(dir, "alice.enc")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	reopened := openTestStore(t, dir)

	_, err = reopened.ListResults("alice", -1)
	assert.Equal(t, apperrors.CodeIntegrity, apperrors.CodeOf(err))

	// Subsequent alice operations stay failed closed.
	_, err = reopened.Append("alice", 1)
	assert.Equal(t, apperrors.CodeIntegrity, apperrors.CodeOf(err))

	// bob is unaffected.
	results, err := reopened.ListResults("bob", -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 30, results[0].Value)
}

func TestExport(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	_, err := s.Export("ghost")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	_, err = s.Append("alice", 12)
	require.NoError(t, err)

	snap, err := s.Export("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.State.Owner)
	require.Len(t, snap.State.Results, 1)
	assert.NotZero(t, snap.ExportedAt)

	// The snapshot is a deep copy; mutating it does not touch the store.
	snap.State.Results[0].Value = 99
	results, err := s.ListResults("alice", -1)
	require.NoError(t, err)
	assert.Equal(t, 12, results[0].Value)
}

func TestDropTenantRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	_, err := s.Append("alice", 12)
	require.NoError(t, err)
	s.FlushAll()

	path := filepath.Join(dir, "alice.enc")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.DropTenant("alice"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Dropping an absent tenant is not an error.
	require.NoError(t, s.DropTenant("alice"))
}

func TestOnMutateRunsBeforeAppendReturns(t *testing.T) {
	var mu sync.Mutex
	invalidated := []string{}

	dir := t.TempDir()
	s, err := Open(Options{
		DataDir:          dir,
		Key:              testKey(),
		EnableEncryption: true,
		OnMutate: func(owner string) {
			mu.Lock()
			invalidated = append(invalidated, owner)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	_, err = s.Append("alice", 5)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice"}, invalidated)
}

func TestConcurrentAppendsPreserveAllValues(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := s.Append("alice", v%3)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := s.Statistics("alice")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)

	total := 0
	for _, c := range stats.Counters {
		total += c
	}
	assert.Equal(t, 10, total)
}

func TestPlaintextMode(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{DataDir: dir, Key: testKey(), EnableEncryption: false})
	require.NoError(t, err)
	_, err = s.Append("alice", 12)
	require.NoError(t, err)
	s.FlushAll()

	reopened, err := Open(Options{DataDir: dir, Key: testKey(), EnableEncryption: false})
	require.NoError(t, err)
	results, err := reopened.ListResults("alice", -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
