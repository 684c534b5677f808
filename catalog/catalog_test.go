// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
	"github.com/glacierdb/glacierdb/util"
)

func newTestCatalog(t *testing.T) (*Catalog, *store.Store, func()) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	c, err := NewCatalog(ctx, s, nil)
	require.NoError(t, err)
	return c, s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func nextSnapshot(base *proto.Snapshot, partitions ...proto.PartitionID) *proto.Snapshot {
	return &proto.Snapshot{
		Table:      base.Table,
		Seq:        base.Seq + 1,
		ParentSeq:  base.Seq,
		CommitID:   uuid.NewString(),
		Timestamp:  time.Now().UnixNano(),
		Partitions: partitions,
		State:      proto.SnapshotStateActive,
	}
}

func TestCatalog_CreateTable(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	info, err := c.CreateTable(ctx, "db.t", []int{0}, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(7), info.RetainDays)
	require.Equal(t, proto.Sequence(0), info.HeadSeq)

	// the root snapshot exists from the first moment
	head, err := c.Head(ctx, "db.t")
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(0), head.Seq)
	require.Empty(t, head.Partitions)

	_, err = c.CreateTable(ctx, "db.t", nil, 1)
	require.Equal(t, apierrors.ErrTableAlreadyCreated, err)
	_, err = c.CreateTable(ctx, "", nil, 1)
	require.Equal(t, apierrors.ErrInvalidArgument, err)
	_, err = c.CreateTable(ctx, "bad/name", nil, 1)
	require.Equal(t, apierrors.ErrInvalidArgument, err)
	_, err = c.CreateTable(ctx, "db.huge", nil, proto.MaxRetainDays+1)
	require.Equal(t, apierrors.ErrInvalidArgument, err)
}

func TestCatalog_AppendCAS(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, err := c.Head(ctx, "db.t")
	require.NoError(t, err)

	s1 := nextSnapshot(head, 101)
	require.NoError(t, c.Append(ctx, s1))

	// a second append against the same stale base must lose
	stale := nextSnapshot(head, 102)
	require.Equal(t, apierrors.ErrConcurrentModification, c.Append(ctx, stale))

	head, err = c.Head(ctx, "db.t")
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(1), head.Seq)
	require.Equal(t, []proto.PartitionID{101}, head.Partitions)
}

func TestCatalog_CommitIndex(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")
	s1 := nextSnapshot(head, 1)
	require.NoError(t, c.Append(ctx, s1))

	got, err := c.GetByCommitID(ctx, "db.t", s1.CommitID)
	require.NoError(t, err)
	require.Equal(t, s1.Seq, got.Seq)

	_, err = c.GetByCommitID(ctx, "db.t", "missing")
	require.Equal(t, apierrors.ErrNoSuchCommit, err)
}

func TestCatalog_FindByTime(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")

	s1 := nextSnapshot(head, 1)
	require.NoError(t, c.Append(ctx, s1))
	between := time.Now().UnixNano()
	s2 := nextSnapshot(s1, 2)
	require.NoError(t, c.Append(ctx, s2))

	seq, ok, err := c.FindByTime(ctx, "db.t", between)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s1.Seq, seq)

	seq, ok, err = c.FindByTime(ctx, "db.t", time.Now().UnixNano())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s2.Seq, seq)

	// before every snapshot
	_, ok, err = c.FindByTime(ctx, "db.t", head.Timestamp-1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalog_EqualTimestampsPickHigherSeq(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")

	ts := time.Now().UnixNano()
	s1 := nextSnapshot(head, 1)
	s1.Timestamp = ts
	require.NoError(t, c.Append(ctx, s1))
	s2 := nextSnapshot(s1, 2)
	s2.Timestamp = ts
	require.NoError(t, c.Append(ctx, s2))

	seq, ok, err := c.FindByTime(ctx, "db.t", ts)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s2.Seq, seq)
}

func TestCatalog_HistoryIter(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")
	s1 := nextSnapshot(head, 1)
	require.NoError(t, c.Append(ctx, s1))
	s2 := nextSnapshot(s1, 2)
	require.NoError(t, c.Append(ctx, s2))

	iter, err := c.History(ctx, "db.t")
	require.NoError(t, err)
	defer iter.Close()

	seqs := make([]proto.Sequence, 0)
	for {
		snap, err := iter.Next()
		require.NoError(t, err)
		if snap == nil {
			break
		}
		seqs = append(seqs, snap.Seq)
	}
	require.Equal(t, []proto.Sequence{0, 1, 2}, seqs)
}

func TestCatalog_DropUndrop(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)

	require.Equal(t, apierrors.ErrTableNotDropped, c.Undrop(ctx, "db.t"))
	require.NoError(t, c.Drop(ctx, "db.t"))
	require.Equal(t, apierrors.ErrTableDropped, c.Drop(ctx, "db.t"))

	info, err := c.GetTable(ctx, "db.t")
	require.NoError(t, err)
	require.True(t, info.Dropped())
	// the purge deadline lies in the future
	require.Greater(t, info.PurgeAfter, time.Now().UnixNano())

	_, err = c.Head(ctx, "db.t")
	require.Equal(t, apierrors.ErrTableDropped, err)

	require.NoError(t, c.Undrop(ctx, "db.t"))
	_, err = c.Head(ctx, "db.t")
	require.NoError(t, err)
}

func TestCatalog_UndropPastRecoveryWindow(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	base := time.Now()
	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	require.NoError(t, c.Drop(ctx, "db.t"))

	// inside the recovery window the drop is reversible
	c.nowFunc = func() time.Time { return base.Add(7 * day) }
	require.NoError(t, c.Undrop(ctx, "db.t"))
	require.NoError(t, c.Drop(ctx, "db.t"))

	// retain 1 day plus the 7 day recovery window has passed
	c.nowFunc = func() time.Time { return base.Add(20 * day) }
	require.Equal(t, apierrors.ErrRetentionExpired, c.Undrop(ctx, "db.t"))
}

func TestCatalog_SetRetention(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)

	require.NoError(t, c.SetRetention(ctx, "db.t", 30))
	info, err := c.GetTable(ctx, "db.t")
	require.NoError(t, err)
	require.Equal(t, uint32(30), info.RetainDays)

	require.Equal(t, apierrors.ErrInvalidArgument, c.SetRetention(ctx, "db.t", 0))
	require.Equal(t, apierrors.ErrInvalidArgument, c.SetRetention(ctx, "db.t", proto.MaxRetainDays+1))
}

func TestCatalog_ListTablesPrefix(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	for _, name := range []proto.TableID{"db1.a", "db1.b", "db2.a"} {
		_, err := c.CreateTable(ctx, name, nil, 1)
		require.NoError(t, err)
	}

	infos, err := c.ListTables(ctx, "db1.")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	infos, err = c.ListTables(ctx, "")
	require.NoError(t, err)
	require.Len(t, infos, 3)
}

func TestCatalog_Pins(t *testing.T) {
	ctx := context.TODO()
	c, _, cleanup := newTestCatalog(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")

	release, err := c.Pin(ctx, head)
	require.NoError(t, err)
	require.Equal(t, []proto.Sequence{0}, c.PinnedSeqs("db.t"))

	// releasing twice must not underflow
	release()
	release()
	require.Empty(t, c.PinnedSeqs("db.t"))
}

func TestCatalog_ReloadFromDisk(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	c, err := NewCatalog(ctx, s, nil)
	require.NoError(t, err)

	_, err = c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, _ := c.Head(ctx, "db.t")
	s1 := nextSnapshot(head, 7)
	require.NoError(t, c.Append(ctx, s1))
	s.Close()

	// reopen and verify the head, the history and the time index
	s, err = store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	c, err = NewCatalog(ctx, s, nil)
	require.NoError(t, err)

	head, err = c.Head(ctx, "db.t")
	require.NoError(t, err)
	require.Equal(t, s1.Seq, head.Seq)
	seq, ok, err := c.FindByTime(ctx, "db.t", time.Now().UnixNano())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s1.Seq, seq)
}

func TestTimeIndex(t *testing.T) {
	idx := newTimeIndex()
	idx.insert(100, 1)
	idx.insert(200, 2)
	idx.insert(300, 3)

	seq, ok := idx.latestAtOrBefore(250)
	require.True(t, ok)
	require.Equal(t, proto.Sequence(2), seq)

	seq, ok = idx.latestAtOrBefore(300)
	require.True(t, ok)
	require.Equal(t, proto.Sequence(3), seq)

	_, ok = idx.latestAtOrBefore(99)
	require.False(t, ok)

	idx.remove(200, 2)
	seq, ok = idx.latestAtOrBefore(250)
	require.True(t, ok)
	require.Equal(t, proto.Sequence(1), seq)
}
