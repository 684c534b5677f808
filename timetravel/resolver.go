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

package timetravel

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/glacierdb/glacierdb/catalog"
	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
)

const day = 24 * time.Hour

// Resolver maps a time selector onto one concrete snapshot of a
// table's history. It never loads partition data; resolution works on
// the catalog's timestamp index and the commit-id index alone.
type Resolver struct {
	catalog *catalog.Catalog
	nowFunc func() time.Time
}

func NewResolver(c *catalog.Catalog) *Resolver {
	return &Resolver{catalog: c, nowFunc: time.Now}
}

// Resolve picks the snapshot a query against (table, selector) must
// see. A nil selector means the current head. Only points inside the
// retention window resolve; older ones fail with ErrOutOfRetention
// even when the snapshot is still physically present for recovery.
func (r *Resolver) Resolve(ctx context.Context, table proto.TableID, sel *proto.TimeSelector) (*proto.Snapshot, error) {
	return r.resolve(ctx, table, sel, false)
}

// ResolveRecoverable is the administrative override: it additionally
// resolves points past retain_until but still before purge_after.
func (r *Resolver) ResolveRecoverable(ctx context.Context, table proto.TableID, sel *proto.TimeSelector) (*proto.Snapshot, error) {
	return r.resolve(ctx, table, sel, true)
}

func (r *Resolver) resolve(ctx context.Context, table proto.TableID, sel *proto.TimeSelector, recoverable bool) (*proto.Snapshot, error) {
	span := trace.SpanFromContextSafe(ctx)

	info, err := r.catalog.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if info.Dropped() {
		return nil, apierrors.ErrTableDropped
	}

	head, err := r.catalog.Head(ctx, table)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return head, nil
	}

	switch sel.Kind {
	case proto.SelectStatement:
		snap, err := r.catalog.GetByCommitID(ctx, table, sel.CommitID)
		if err != nil {
			return nil, err
		}
		if err := r.checkSnapshot(ctx, info, head, snap, recoverable); err != nil {
			span.Debugf("table[%s] commit[%s] not resolvable: %s", table, sel.CommitID, err)
			return nil, err
		}
		return snap, nil

	case proto.SelectTimestamp:
		if sel.Timestamp > r.nowFunc().UnixNano() {
			return nil, apierrors.ErrFutureTimestamp
		}
		// a past instant after the head commit still sees the head
		if sel.Timestamp >= head.Timestamp {
			return head, nil
		}
		return r.byTime(ctx, info, sel.Timestamp, recoverable)

	case proto.SelectOffset:
		if sel.OffsetSec < 0 {
			return nil, apierrors.ErrInvalidSelector
		}
		ts := r.nowFunc().Add(-time.Duration(sel.OffsetSec) * time.Second).UnixNano()
		// an offset of zero always means the head, whatever the clock
		// says relative to the head timestamp
		if ts >= head.Timestamp {
			return head, nil
		}
		return r.byTime(ctx, info, ts, recoverable)

	default:
		return nil, apierrors.ErrInvalidSelector
	}
}

// byTime resolves the latest committed state as of the instant ts.
// The instant itself must lie inside the window: querying a point
// before retain_until fails even if the snapshot covering it survives.
func (r *Resolver) byTime(ctx context.Context, info *proto.TableInfo, ts int64, recoverable bool) (*proto.Snapshot, error) {
	if err := checkPoint(info, ts, recoverable, r.nowFunc()); err != nil {
		return nil, err
	}
	seq, ok, err := r.catalog.FindByTime(ctx, info.Name, ts)
	if err != nil {
		return nil, err
	}
	if !ok {
		// the instant predates every linked snapshot
		return nil, apierrors.ErrOutOfRetention
	}
	snap, err := r.catalog.GetBySequence(ctx, info.Name, seq)
	if err != nil {
		return nil, err
	}
	if snap.State == proto.SnapshotStatePurged {
		return nil, apierrors.ErrSnapshotPurged
	}
	return snap, nil
}

// checkSnapshot judges a directly addressed snapshot by the end of its
// validity: the state a snapshot holds stays queryable until its
// successor's timestamp leaves the window, not until its own creation
// time does.
func (r *Resolver) checkSnapshot(ctx context.Context, info *proto.TableInfo, head, snap *proto.Snapshot, recoverable bool) error {
	if snap.Seq == head.Seq {
		return nil
	}
	if snap.State == proto.SnapshotStatePurged {
		return apierrors.ErrSnapshotPurged
	}
	validUntil := snap.Timestamp
	if succ, err := r.catalog.GetBySequence(ctx, info.Name, snap.Seq+1); err == nil {
		validUntil = succ.Timestamp
	}
	return checkPoint(info, validUntil, recoverable, r.nowFunc())
}

func checkPoint(info *proto.TableInfo, ts int64, recoverable bool, now time.Time) error {
	retainCutoff := now.Add(-time.Duration(info.RetainDays) * day).UnixNano()
	purgeCutoff := now.Add(-time.Duration(info.RetainDays+proto.RecoveryDays) * day).UnixNano()

	if ts >= retainCutoff {
		return nil
	}
	if !recoverable {
		return apierrors.ErrOutOfRetention
	}
	if ts >= purgeCutoff {
		return nil
	}
	return apierrors.ErrRetentionExpired
}
