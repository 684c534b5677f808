package catalog

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/common/kvstore"
	"github.com/glacierdb/glacierdb/proto"
)

// Sweep-facing operations. Only the retention scheduler calls these;
// they keep the persisted records, the in-memory handles and the time
// indexes in step.

// AdvanceMarkers recomputes and persists the retention markers of a
// live table as of now. Dropped tables keep the fixed deadline set by
// Drop.
func (c *Catalog) AdvanceMarkers(ctx context.Context, table proto.TableID, now time.Time) (*proto.TableInfo, error) {
	h, err := c.handle(table)
	if err != nil {
		return nil, err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	info := copyInfo(h.info)
	if !info.Dropped() {
		refreshMarkers(info, now)
		if err := c.storage.PutTable(ctx, info); err != nil {
			return nil, err
		}
		h.info = info
	}
	return copyInfo(info), nil
}

// SetSnapshotState persists a state transition. Transitions are
// monotonic; a regression attempt is rejected.
func (c *Catalog) SetSnapshotState(ctx context.Context, table proto.TableID, seq proto.Sequence, state proto.SnapshotState) error {
	snap, err := c.storage.GetSnapshot(ctx, table, seq, nil)
	if err != nil {
		return err
	}
	if snap.State >= state {
		return nil
	}
	snap.State = state
	return c.storage.PutSnapshot(ctx, snap)
}

// UnlinkSnapshot removes a snapshot past its recovery window from the
// history log and the time index. The head is never unlinked.
func (c *Catalog) UnlinkSnapshot(ctx context.Context, table proto.TableID, seq proto.Sequence) error {
	h, err := c.handle(table)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if seq == h.info.HeadSeq {
		return apierrors.ErrInvalidArgument
	}
	snap, err := c.storage.GetSnapshot(ctx, table, seq, nil)
	if err != nil {
		return err
	}
	if err := c.storage.UnlinkSnapshot(ctx, snap); err != nil {
		return err
	}
	h.index.remove(snap.Timestamp, snap.Seq)
	return nil
}

// RemoveTable purges a dropped table whose recovery window has closed.
func (c *Catalog) RemoveTable(ctx context.Context, table proto.TableID) error {
	span := trace.SpanFromContextSafe(ctx)
	h, err := c.handle(table)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.info.Dropped() {
		return apierrors.ErrTableNotDropped
	}
	if err := c.storage.RemoveTable(ctx, table); err != nil {
		return err
	}
	c.tables.Delete(table)
	span.Infof("table[%s] purged", table)
	return nil
}

// View walks every table and its history from one consistent engine
// view: the mark phase of the sweep reads through it so concurrent
// appends do not tear the reachability set.
func (c *Catalog) View(ctx context.Context, readOpt kvstore.ReadOption, fn func(*proto.TableInfo, *proto.Snapshot) error) error {
	return c.storage.ListTables(ctx, "", readOpt, func(info *proto.TableInfo) error {
		return c.storage.ListHistory(ctx, info.Name, readOpt, func(snap *proto.Snapshot) error {
			return fn(info, snap)
		})
	})
}

// TablesForSweep snapshots the live handle set for the state phase.
func (c *Catalog) TablesForSweep() []*proto.TableInfo {
	ret := make([]*proto.TableInfo, 0)
	c.tables.Range(func(_, v interface{}) bool {
		h := v.(*tableHandle)
		h.lock.RLock()
		ret = append(ret, copyInfo(h.info))
		h.lock.RUnlock()
		return true
	})
	return ret
}
