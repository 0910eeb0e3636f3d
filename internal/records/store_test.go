package records

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

func TestUpsertInsertsAndRefreshes(t *testing.T) {
	s := NewStore()

	r := s.Upsert(FileRecord{ID: 5, Version: 1, Name: "foo.R", Size: 3})
	assert.Equal(t, "foo.R", r.Path)

	require.NoError(t, s.Bind(5, 11))

	r = s.Upsert(FileRecord{ID: 5, Version: 2, Name: "foo.R", Size: 7})
	assert.Equal(t, int64(2), r.Version)

	got, ok := s.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Size)

	h, ok := s.HandleFor(5)
	require.True(t, ok, "binding should survive refresh")
	assert.Equal(t, watch.Handle(11), h)
	assert.Equal(t, 1, s.Len())
}

func TestSharedRecordPath(t *testing.T) {
	s := NewStore()
	r := s.Upsert(FileRecord{ID: 9, Name: "data.csv", Shared: true})
	assert.Equal(t, "shared/data.csv", r.Path)

	_, ok := s.LookupByName("data.csv", false)
	assert.False(t, ok)
	got, ok := s.LookupByName("data.csv", true)
	require.True(t, ok)
	assert.Equal(t, int64(9), got.ID)
}

func TestLookupByNamePrefersLowestID(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 12, Name: "dup.R"})
	s.Upsert(FileRecord{ID: 4, Name: "dup.R"})

	got, ok := s.LookupByName("dup.R", false)
	require.True(t, ok)
	assert.Equal(t, int64(4), got.ID)
}

func TestBindRules(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 1, Name: "a.R"})
	s.Upsert(FileRecord{ID: 2, Name: "b.R"})

	assert.ErrorIs(t, s.Bind(3, 20), common.ErrNotFound)
	assert.ErrorIs(t, s.Bind(1, watch.NoHandle), common.ErrInvalidHandle)

	require.NoError(t, s.Bind(1, 20))
	require.NoError(t, s.Bind(1, 20), "rebinding same pair is a no-op")
	assert.ErrorIs(t, s.Bind(1, 21), common.ErrExists)
	assert.ErrorIs(t, s.Bind(2, 20), common.ErrExists)

	got, ok := s.LookupByHandle(20)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.ID)
}

func TestUnbindHandle(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 1, Name: "a.R"})
	require.NoError(t, s.Bind(1, 7))

	id, ok := s.UnbindHandle(7)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok = s.HandleFor(1)
	assert.False(t, ok)
	_, ok = s.UnbindHandle(7)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len(), "unbinding keeps the record")
}

func TestRemoveReleasesHandleFirst(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 5, Name: "foo.R"})
	require.NoError(t, s.Bind(5, 3))

	var released []watch.Handle
	rec, err := s.Remove(5, func(h watch.Handle) error {
		released = append(released, h)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "foo.R", rec.Name)
	assert.Equal(t, []watch.Handle{3}, released)

	_, ok := s.Lookup(5)
	assert.False(t, ok)
	_, ok = s.LookupByHandle(3)
	assert.False(t, ok)
}

func TestRemoveUnwatchFailureStillRemoves(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 5, Name: "foo.R"})
	require.NoError(t, s.Bind(5, 3))

	boom := errors.New("wd gone")
	_, err := s.Remove(5, func(watch.Handle) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Bound())
}

func TestRemoveMissing(t *testing.T) {
	s := NewStore()
	_, err := s.Remove(42, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUnboundRemoveSkipsUnwatch(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 5, Name: "foo.R"})

	called := false
	_, err := s.Remove(5, func(watch.Handle) error { called = true; return nil })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestUpdateContent(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 5, Version: 3, Name: "foo.R"})

	require.NoError(t, s.UpdateContent(5, 4, 1700000000, 12))
	got, _ := s.Lookup(5)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, int64(1700000000), got.LastModified)
	assert.Equal(t, int64(12), got.Size)

	assert.ErrorIs(t, s.UpdateContent(6, 1, 0, 0), common.ErrNotFound)
}

func TestSnapshotOrderedAndDetached(t *testing.T) {
	s := NewStore()
	s.Upsert(FileRecord{ID: 3, Name: "c.R"})
	s.Upsert(FileRecord{ID: 1, Name: "a.R"})
	s.Upsert(FileRecord{ID: 2, Name: "b.R"})

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	snap[0].Name = "changed"
	got, _ := s.Lookup(1)
	assert.Equal(t, "a.R", got.Name)
}
