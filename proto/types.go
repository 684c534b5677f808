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

package proto

import "bytes"

// datum types include integer, float, string, bool, et al. The store
// treats every datum as an opaque byte string; ordering for clustering
// statistics is bytewise.
type Datum = []byte

// Row is an ordered tuple of column values.
type Row []Datum

// Equal reports whether two rows carry identical values column by column.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !bytes.Equal(r[i], o[i]) {
			return false
		}
	}
	return true
}

// Clone deep-copies a row so callers can hold it past the lifetime of
// the buffer it was decoded from.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for i := range r {
		out[i] = append([]byte(nil), r[i]...)
	}
	return out
}

// ColumnStats carries bytewise min/max of one clustering column across
// every row of a partition.
type ColumnStats struct {
	Column int    `json:"column"`
	Min    []byte `json:"min"`
	Max    []byte `json:"max"`
}

// PartitionInfo describes one immutable partition. The ID is the
// content address of the encoded rows, so identical content always
// resolves to the same partition.
type PartitionInfo struct {
	ID        PartitionID   `json:"id"`
	RowCount  uint32        `json:"row_count"`
	ByteSize  uint32        `json:"byte_size"`
	Stats     []ColumnStats `json:"stats,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

type SnapshotState uint8

const (
	SnapshotStateActive      = SnapshotState(1)
	SnapshotStateRecoverable = SnapshotState(2)
	SnapshotStatePurged      = SnapshotState(3)
)

func (s SnapshotState) String() string {
	switch s {
	case SnapshotStateActive:
		return "active"
	case SnapshotStateRecoverable:
		return "recoverable"
	case SnapshotStatePurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable versioned view of a table's full row set at
// one commit. Snapshots of a table form a strictly ordered chain via
// ParentSeq; the first snapshot of a history has sequence 0 and no
// parent.
type Snapshot struct {
	Table      TableID       `json:"table"`
	Seq        Sequence      `json:"seq"`
	ParentSeq  Sequence      `json:"parent_seq"`
	CommitID   CommitID      `json:"commit_id"`
	Timestamp  int64         `json:"timestamp"` // unix nanoseconds
	SchemaVer  SchemaVer     `json:"schema_ver"`
	ClusterKey []int         `json:"cluster_key,omitempty"`
	Partitions []PartitionID `json:"partitions"`
	State      SnapshotState `json:"state"`
}

// HasPartition reports whether the snapshot references the partition.
func (s *Snapshot) HasPartition(id PartitionID) bool {
	for _, p := range s.Partitions {
		if p == id {
			return true
		}
	}
	return false
}

type TableState uint8

const (
	TableStateNormal  = TableState(1)
	TableStateDropped = TableState(2)
)

// TableInfo is the catalog record of one table identity, including its
// history head pointer and retention markers.
type TableInfo struct {
	Name       TableID    `json:"name"`
	State      TableState `json:"state"`
	CreatedAt  int64      `json:"created_at"`
	DroppedAt  int64      `json:"dropped_at,omitempty"`
	HeadSeq    Sequence   `json:"head_seq"`
	RetainDays uint32     `json:"retain_days"`

	// Retention markers, recomputed by the sweep. Snapshots with a
	// timestamp below RetainUntil leave the queryable window; below
	// PurgeAfter they are unlinked. PurgeAfter <= RetainUntil always.
	RetainUntil int64 `json:"retain_until"`
	PurgeAfter  int64 `json:"purge_after"`

	// ClonedFrom records provenance for tables created by the clone
	// engine; informational only, lifetime is governed by reachability.
	ClonedFrom TableID  `json:"cloned_from,omitempty"`
	ClonedSeq  Sequence `json:"cloned_seq,omitempty"`
}

func (t *TableInfo) Dropped() bool {
	return t.State == TableStateDropped
}

// TimeSelectorKind discriminates the three time-travel selector forms.
type TimeSelectorKind uint8

const (
	SelectTimestamp = TimeSelectorKind(1)
	SelectOffset    = TimeSelectorKind(2)
	SelectStatement = TimeSelectorKind(3)
)

// TimeSelector names a point in a table's version history: an absolute
// timestamp, a relative offset before now, or a statement's commit id.
type TimeSelector struct {
	Kind      TimeSelectorKind `json:"kind"`
	Timestamp int64            `json:"timestamp,omitempty"` // unix nanoseconds
	OffsetSec int64            `json:"offset_sec,omitempty"`
	CommitID  CommitID         `json:"commit_id,omitempty"`
}

func Timestamp(ns int64) *TimeSelector {
	return &TimeSelector{Kind: SelectTimestamp, Timestamp: ns}
}

func Offset(seconds int64) *TimeSelector {
	return &TimeSelector{Kind: SelectOffset, OffsetSec: seconds}
}

func Statement(id CommitID) *TimeSelector {
	return &TimeSelector{Kind: SelectStatement, CommitID: id}
}

// CommitResult is returned to the statement layer after a successful
// commit.
type CommitResult struct {
	Table    TableID  `json:"table"`
	Seq      Sequence `json:"seq"`
	CommitID CommitID `json:"commit_id"`
}
