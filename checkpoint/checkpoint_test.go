package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
)

func newTestManager(t *testing.T, maxItems int, maxAge time.Duration) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Unix(1000, 0))
	return NewManager(0, Config{MaxItems: maxItems, MaxAge: maxAge}, mock, bitmapdb.New()), mock
}

func mustSet(key string) *item.Item {
	return item.New(0, []byte(key), []byte("v"), item.Set)
}

func TestQueueDirtyNewItem(t *testing.T) {
	m, _ := newTestManager(t, 100, time.Hour)
	class, _, err := m.QueueDirty(mustSet("a"), true)
	require.NoError(t, err)
	require.Equal(t, NewItem, class)
	require.Equal(t, 1, m.NumItems())
}

func TestQueueDirtyDedupWithoutLaggingCursor(t *testing.T) {
	m, _ := newTestManager(t, 100, time.Hour)
	_, _, err := m.QueueDirty(mustSet("a"), true)
	require.NoError(t, err)

	// The persistence cursor is still at the very start: it has not
	// consumed "a" yet, so it blocks dedup and the second write must
	// be queued again rather than collapsed.
	class, _, err := m.QueueDirty(mustSet("a"), true)
	require.NoError(t, err)
	require.Equal(t, PersistAgain, class)
	require.Equal(t, 2, m.NumItems())

	// Drain the checkpoint_start marker and both copies of "a" through
	// the persistence cursor; once it has moved past every existing
	// entry for that key, a repeat write can be collapsed in place.
	for i := 0; i < 3; i++ {
		_, _, err := m.NextItem(PersistenceCursorName)
		require.NoError(t, err)
	}

	class, _, err = m.QueueDirty(mustSet("a"), true)
	require.NoError(t, err)
	require.Equal(t, ExistingItem, class)
}

func TestCheckpointClosesAtMaxItems(t *testing.T) {
	m, _ := newTestManager(t, 10, time.Hour)
	var lastClass Classification
	for i := 0; i < 11; i++ {
		class, _, err := m.QueueDirty(mustSet(string(rune('a'+i))), true)
		require.NoError(t, err)
		lastClass = class
	}
	require.Equal(t, NewItem, lastClass)
	require.Equal(t, uint64(2), m.tail.id, "11th distinct key should land in a freshly opened checkpoint")
}

func TestCheckpointClosesAtMaxAge(t *testing.T) {
	m, mock := newTestManager(t, 1000, time.Minute)
	_, _, err := m.QueueDirty(mustSet("a"), true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.tail.id)

	mock.Advance(2 * time.Minute)
	_, _, err = m.QueueDirty(mustSet("b"), true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), m.tail.id)
}

func TestNextItemCrossesCheckpointBoundary(t *testing.T) {
	m, _ := newTestManager(t, 1, time.Hour)
	_, _, err := m.QueueDirty(mustSet("a"), true) // closes checkpoint 1, opens checkpoint 2
	require.NoError(t, err)

	_, _, err = m.RegisterCursor("replica", 1, true, 0, false)
	require.NoError(t, err)

	// checkpoint_start (1), "a" (1), checkpoint_end (1), checkpoint_start (2)
	seen := make([]item.Operation, 0, 4)
	for {
		it, _, err := m.NextItem("replica")
		require.NoError(t, err)
		if it == nil {
			break
		}
		seen = append(seen, it.Operation())
	}
	require.Equal(t, []item.Operation{
		item.CheckpointStart, item.Set, item.CheckpointEnd, item.CheckpointStart,
	}, seen)
}

func TestRemoveClosedUnrefCheckpoints(t *testing.T) {
	m, _ := newTestManager(t, 1, time.Hour)
	_, _, err := m.QueueDirty(mustSet("a"), true) // closes checkpoint 1
	require.NoError(t, err)
	require.NoError(t, m.RemoveCursor(PersistenceCursorName))

	purged, newOpen := m.RemoveClosedUnrefCheckpoints()
	require.Equal(t, 1, purged)
	require.False(t, newOpen)
	require.Equal(t, uint64(2), m.head.id)
}

func TestGetListOfCursorsToDropOrdersByOldestCheckpoint(t *testing.T) {
	m, _ := newTestManager(t, 1, time.Hour)
	_, _, err := m.QueueDirty(mustSet("a"), true) // now at checkpoint 2
	require.NoError(t, err)
	_, _, err = m.QueueDirty(mustSet("b"), true) // now at checkpoint 3
	require.NoError(t, err)

	_, _, err = m.RegisterCursor("replica-old", 1, true, 0, false)
	require.NoError(t, err)
	_, _, err = m.RegisterCursor("replica-new", 2, true, 0, false)
	require.NoError(t, err)

	require.Equal(t, []string{"replica-old", "replica-new"}, m.GetListOfCursorsToDrop())
}
