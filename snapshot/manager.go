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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/glacierdb/glacierdb/catalog"
	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
)

// Delta describes a commit's partition changes relative to its base
// snapshot. Nothing is ever modified in place: an update or delete
// always removes whole partitions and adds their rewritten
// replacements.
type Delta struct {
	Added   []proto.PartitionID
	Removed []proto.PartitionID
}

func (d *Delta) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Manager builds immutable snapshots and links them through the
// catalog. It owns no locks itself; the catalog head CAS is the only
// serialization point.
type Manager struct {
	catalog *catalog.Catalog
}

func NewManager(c *catalog.Catalog) *Manager {
	return &Manager{catalog: c}
}

// Commit produces the snapshot base ∪ added − removed and appends it
// to the table history. If base is no longer the table head the append
// fails with ErrConcurrentModification and nothing is linked; the
// partitions already written stay unreferenced until a sweep collects
// them.
func (m *Manager) Commit(ctx context.Context, base *proto.Snapshot, delta Delta) (*proto.Snapshot, error) {
	span := trace.SpanFromContextSafe(ctx)
	if base == nil || delta.empty() {
		return nil, apierrors.ErrEmptyCommit
	}

	snap := &proto.Snapshot{
		Table:      base.Table,
		Seq:        base.Seq + 1,
		ParentSeq:  base.Seq,
		CommitID:   uuid.NewString(),
		Timestamp:  commitTimestamp(base),
		SchemaVer:  base.SchemaVer,
		ClusterKey: base.ClusterKey,
		Partitions: applyDelta(base.Partitions, delta),
		State:      proto.SnapshotStateActive,
	}

	if err := m.catalog.Append(ctx, snap); err != nil {
		return nil, err
	}
	span.Debugf("table[%s] commit[%s] seq[%d] partitions[%d]", snap.Table, snap.CommitID, snap.Seq, len(snap.Partitions))
	return snap, nil
}

// CloneFrom starts a brand-new table history whose root snapshot
// references exactly the source snapshot's partition set. No partition
// bytes move; the clone only adds reference holders.
func (m *Manager) CloneFrom(ctx context.Context, source *proto.Snapshot, newTable proto.TableID, retainDays uint32) (*proto.Snapshot, *proto.TableInfo, error) {
	span := trace.SpanFromContextSafe(ctx)

	root := &proto.Snapshot{
		Table:      newTable,
		Seq:        0,
		ParentSeq:  0,
		CommitID:   uuid.NewString(),
		Timestamp:  time.Now().UnixNano(),
		SchemaVer:  source.SchemaVer,
		ClusterKey: source.ClusterKey,
		Partitions: append([]proto.PartitionID(nil), source.Partitions...),
		State:      proto.SnapshotStateActive,
	}

	info, err := m.catalog.CreateTableFrom(ctx, root, source.Table, source.Seq, retainDays)
	if err != nil {
		return nil, nil, err
	}
	span.Infof("table[%s] cloned from table[%s] seq[%d], %d partitions aliased", newTable, source.Table, source.Seq, len(root.Partitions))
	return root, info, nil
}

// commitTimestamp keeps per-table timestamp order consistent with
// sequence order even under clock regression; equal timestamps are
// allowed and resolved by sequence.
func commitTimestamp(base *proto.Snapshot) int64 {
	now := time.Now().UnixNano()
	if now < base.Timestamp {
		return base.Timestamp
	}
	return now
}

func applyDelta(base []proto.PartitionID, delta Delta) []proto.PartitionID {
	removed := make(map[proto.PartitionID]struct{}, len(delta.Removed))
	for _, id := range delta.Removed {
		removed[id] = struct{}{}
	}
	out := make([]proto.PartitionID, 0, len(base)+len(delta.Added))
	present := make(map[proto.PartitionID]struct{}, len(base)+len(delta.Added))
	for _, id := range base {
		if _, ok := removed[id]; ok {
			continue
		}
		out = append(out, id)
		present[id] = struct{}{}
	}
	for _, id := range delta.Added {
		if _, ok := present[id]; ok {
			continue
		}
		out = append(out, id)
		present[id] = struct{}{}
	}
	return out
}
