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

package snapshot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glacierdb/glacierdb/catalog"
	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
	"github.com/glacierdb/glacierdb/util"
)

func newTestManager(t *testing.T) (*Manager, *catalog.Catalog, func()) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	c, err := catalog.NewCatalog(ctx, s, nil)
	require.NoError(t, err)
	return NewManager(c), c, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestManager_Commit(t *testing.T) {
	ctx := context.TODO()
	m, c, cleanup := newTestManager(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, err := c.Head(ctx, "db.t")
	require.NoError(t, err)

	s1, err := m.Commit(ctx, head, Delta{Added: []proto.PartitionID{10, 20}})
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(1), s1.Seq)
	require.Equal(t, head.Seq, s1.ParentSeq)
	require.NotEmpty(t, s1.CommitID)
	require.Equal(t, []proto.PartitionID{10, 20}, s1.Partitions)
	require.GreaterOrEqual(t, s1.Timestamp, head.Timestamp)

	s2, err := m.Commit(ctx, s1, Delta{
		Added:   []proto.PartitionID{30},
		Removed: []proto.PartitionID{10},
	})
	require.NoError(t, err)
	require.Equal(t, []proto.PartitionID{20, 30}, s2.Partitions)
}

func TestManager_CommitStaleBase(t *testing.T) {
	ctx := context.TODO()
	m, c, cleanup := newTestManager(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, err := c.Head(ctx, "db.t")
	require.NoError(t, err)

	_, err = m.Commit(ctx, head, Delta{Added: []proto.PartitionID{1}})
	require.NoError(t, err)

	// same base again: the head has moved
	_, err = m.Commit(ctx, head, Delta{Added: []proto.PartitionID{2}})
	require.Equal(t, apierrors.ErrConcurrentModification, err)
}

func TestManager_CommitEmpty(t *testing.T) {
	ctx := context.TODO()
	m, c, cleanup := newTestManager(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	head, err := c.Head(ctx, "db.t")
	require.NoError(t, err)

	_, err = m.Commit(ctx, head, Delta{})
	require.Equal(t, apierrors.ErrEmptyCommit, err)
	_, err = m.Commit(ctx, nil, Delta{Added: []proto.PartitionID{1}})
	require.Equal(t, apierrors.ErrEmptyCommit, err)
}

func TestManager_CloneFrom(t *testing.T) {
	ctx := context.TODO()
	m, c, cleanup := newTestManager(t)
	defer cleanup()

	_, err := c.CreateTable(ctx, "db.src", nil, 5)
	require.NoError(t, err)
	head, err := c.Head(ctx, "db.src")
	require.NoError(t, err)
	s1, err := m.Commit(ctx, head, Delta{Added: []proto.PartitionID{10, 20}})
	require.NoError(t, err)

	root, info, err := m.CloneFrom(ctx, s1, "db.copy", 5)
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(0), root.Seq)
	require.Equal(t, s1.Partitions, root.Partitions)
	require.Equal(t, proto.TableID("db.src"), info.ClonedFrom)
	require.Equal(t, s1.Seq, info.ClonedSeq)

	// the clone's history is its own from sequence zero
	cloneHead, err := c.Head(ctx, "db.copy")
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(0), cloneHead.Seq)

	_, _, err = m.CloneFrom(ctx, s1, "db.copy", 5)
	require.Equal(t, apierrors.ErrTableAlreadyCreated, err)
}

func TestApplyDelta(t *testing.T) {
	base := []proto.PartitionID{1, 2, 3}

	out := applyDelta(base, Delta{Added: []proto.PartitionID{4}, Removed: []proto.PartitionID{2}})
	require.Equal(t, []proto.PartitionID{1, 3, 4}, out)

	// adding an already present id is a no-op
	out = applyDelta(base, Delta{Added: []proto.PartitionID{3, 3}})
	require.Equal(t, []proto.PartitionID{1, 2, 3}, out)

	// removing an absent id is a no-op
	out = applyDelta(base, Delta{Removed: []proto.PartitionID{9}})
	require.Equal(t, []proto.PartitionID{1, 2, 3}, out)
}

func TestCommitTimestampMonotonic(t *testing.T) {
	base := &proto.Snapshot{Timestamp: time.Now().Add(time.Hour).UnixNano()}
	// clock behind the base never regresses the history
	require.Equal(t, base.Timestamp, commitTimestamp(base))

	base.Timestamp = time.Now().Add(-time.Hour).UnixNano()
	require.Greater(t, commitTimestamp(base), base.Timestamp)
}
