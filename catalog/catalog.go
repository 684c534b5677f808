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
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
)

const day = 24 * time.Hour

type Config struct {
	// DefaultRetainDays applies to tables created without an explicit
	// retention policy.
	DefaultRetainDays uint32 `json:"default_retain_days"`
}

// Catalog maps table identities to their snapshot histories. The
// per-table head pointer is the single serialization point of the
// write path: Append performs a compare-and-swap on it and everything
// else is lock-free for writers.
type Catalog struct {
	tables  sync.Map // proto.TableID -> *tableHandle
	storage *storage
	nowFunc func() time.Time
	cfg     *Config
}

type tableHandle struct {
	info  *proto.TableInfo
	index *timeIndex
	pins  map[proto.Sequence]int

	// serializes Append/Drop/Undrop/SetRetention on this table
	lock sync.RWMutex
}

func NewCatalog(ctx context.Context, s *store.Store, cfg *Config) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DefaultRetainDays == 0 {
		cfg.DefaultRetainDays = proto.DefaultRetainDays
	}

	c := &Catalog{
		storage: newStorage(s),
		nowFunc: time.Now,
		cfg:     cfg,
	}
	if err := c.load(ctx); err != nil {
		span.Errorf("load catalog failed: %s", err)
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load(ctx context.Context) error {
	return c.storage.ListTables(ctx, "", nil, func(info *proto.TableInfo) error {
		h := &tableHandle{
			info:  info,
			index: newTimeIndex(),
			pins:  make(map[proto.Sequence]int),
		}
		err := c.storage.ListHistory(ctx, info.Name, nil, func(snap *proto.Snapshot) error {
			if snap.State != proto.SnapshotStatePurged {
				h.index.insert(snap.Timestamp, snap.Seq)
			}
			return nil
		})
		if err != nil {
			return err
		}
		c.tables.Store(info.Name, h)
		return nil
	})
}

// CreateTable registers a new identity and writes its root snapshot
// (sequence 0, empty partition set) so the history is never empty and
// Offset(0) resolves from the first moment.
func (c *Catalog) CreateTable(ctx context.Context, name proto.TableID, clusterKey []int, retainDays uint32) (*proto.TableInfo, error) {
	root := &proto.Snapshot{
		Table:      name,
		Seq:        0,
		ParentSeq:  0,
		CommitID:   uuid.NewString(),
		Timestamp:  c.nowFunc().UnixNano(),
		ClusterKey: clusterKey,
		Partitions: nil,
		State:      proto.SnapshotStateActive,
	}
	return c.createTable(ctx, name, root, retainDays)
}

// CreateTableFrom registers a clone identity whose root snapshot was
// produced by the snapshot manager from a source snapshot.
func (c *Catalog) CreateTableFrom(ctx context.Context, root *proto.Snapshot, source proto.TableID, sourceSeq proto.Sequence, retainDays uint32) (*proto.TableInfo, error) {
	info, err := c.createTable(ctx, root.Table, root, retainDays)
	if err != nil {
		return nil, err
	}
	info.ClonedFrom = source
	info.ClonedSeq = sourceSeq
	if err := c.storage.PutTable(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Catalog) createTable(ctx context.Context, name proto.TableID, root *proto.Snapshot, retainDays uint32) (*proto.TableInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	if name == "" || strings.Contains(name, "/") {
		return nil, apierrors.ErrInvalidArgument
	}
	if retainDays == 0 {
		retainDays = c.cfg.DefaultRetainDays
	}
	if retainDays > proto.MaxRetainDays {
		return nil, apierrors.ErrInvalidArgument
	}

	now := c.nowFunc()
	info := &proto.TableInfo{
		Name:       name,
		State:      proto.TableStateNormal,
		CreatedAt:  now.UnixNano(),
		HeadSeq:    root.Seq,
		RetainDays: retainDays,
	}
	refreshMarkers(info, now)

	h := &tableHandle{
		info:  info,
		index: newTimeIndex(),
		pins:  make(map[proto.Sequence]int),
	}
	h.index.insert(root.Timestamp, root.Seq)

	if _, loaded := c.tables.LoadOrStore(name, h); loaded {
		return nil, apierrors.ErrTableAlreadyCreated
	}
	if err := c.storage.AppendSnapshot(ctx, info, root); err != nil {
		c.tables.Delete(name)
		return nil, err
	}
	span.Infof("table[%s] created, retain %d days", name, retainDays)
	return copyInfo(info), nil
}

// Append links one committed snapshot onto the table's history. The
// compare-and-swap condition is ParentSeq == current head sequence; a
// stale base fails with ErrConcurrentModification and is never merged.
func (c *Catalog) Append(ctx context.Context, snap *proto.Snapshot) error {
	h, err := c.handle(snap.Table)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.info.Dropped() {
		return apierrors.ErrTableDropped
	}
	if snap.ParentSeq != h.info.HeadSeq || snap.Seq != h.info.HeadSeq+1 {
		return apierrors.ErrConcurrentModification
	}

	info := copyInfo(h.info)
	info.HeadSeq = snap.Seq
	if err := c.storage.AppendSnapshot(ctx, info, snap); err != nil {
		return err
	}
	h.info = info
	h.index.insert(snap.Timestamp, snap.Seq)
	return nil
}

// Head returns the table's current head snapshot.
func (c *Catalog) Head(ctx context.Context, table proto.TableID) (*proto.Snapshot, error) {
	h, err := c.handle(table)
	if err != nil {
		return nil, err
	}
	h.lock.RLock()
	if h.info.Dropped() {
		h.lock.RUnlock()
		return nil, apierrors.ErrTableDropped
	}
	seq := h.info.HeadSeq
	h.lock.RUnlock()
	return c.storage.GetSnapshot(ctx, table, seq, nil)
}

func (c *Catalog) GetTable(ctx context.Context, table proto.TableID) (*proto.TableInfo, error) {
	h, err := c.handle(table)
	if err != nil {
		return nil, err
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	return copyInfo(h.info), nil
}

func (c *Catalog) GetBySequence(ctx context.Context, table proto.TableID, seq proto.Sequence) (*proto.Snapshot, error) {
	return c.storage.GetSnapshot(ctx, table, seq, nil)
}

func (c *Catalog) GetByCommitID(ctx context.Context, table proto.TableID, commitID proto.CommitID) (*proto.Snapshot, error) {
	seq, err := c.storage.GetSeqByCommit(ctx, table, commitID, nil)
	if err != nil {
		return nil, err
	}
	return c.storage.GetSnapshot(ctx, table, seq, nil)
}

// FindByTime returns the sequence of the latest snapshot with
// timestamp <= ts; equal timestamps resolve to the higher sequence.
func (c *Catalog) FindByTime(ctx context.Context, table proto.TableID, ts int64) (proto.Sequence, bool, error) {
	h, err := c.handle(table)
	if err != nil {
		return 0, false, err
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	seq, ok := h.index.latestAtOrBefore(ts)
	return seq, ok, nil
}

// History returns a lazy iterator over the table's snapshots, oldest
// first (newest last).
func (c *Catalog) History(ctx context.Context, table proto.TableID) (*HistoryIter, error) {
	if _, err := c.handle(table); err != nil {
		return nil, err
	}
	return c.storage.NewHistoryIter(ctx, table, nil), nil
}

// SetRetention changes the time-travel window of the table and
// recomputes its markers.
func (c *Catalog) SetRetention(ctx context.Context, table proto.TableID, retainDays uint32) error {
	span := trace.SpanFromContextSafe(ctx)
	if retainDays == 0 || retainDays > proto.MaxRetainDays {
		return apierrors.ErrInvalidArgument
	}
	h, err := c.handle(table)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if h.info.Dropped() {
		return apierrors.ErrTableDropped
	}

	info := copyInfo(h.info)
	info.RetainDays = retainDays
	refreshMarkers(info, c.nowFunc())
	if err := c.storage.PutTable(ctx, info); err != nil {
		return err
	}
	h.info = info
	span.Infof("table[%s] retention set to %d days", table, retainDays)
	return nil
}

// Drop marks the table dropped but keeps its whole history queryable
// by Undrop until the recovery window closes.
func (c *Catalog) Drop(ctx context.Context, table proto.TableID) error {
	span := trace.SpanFromContextSafe(ctx)
	h, err := c.handle(table)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if h.info.Dropped() {
		return apierrors.ErrTableDropped
	}

	now := c.nowFunc()
	info := copyInfo(h.info)
	info.State = proto.TableStateDropped
	info.DroppedAt = now.UnixNano()
	info.PurgeAfter = now.Add(time.Duration(info.RetainDays+proto.RecoveryDays) * day).UnixNano()
	if err := c.storage.PutTable(ctx, info); err != nil {
		return err
	}
	h.info = info
	span.Infof("table[%s] dropped, recoverable until %d", table, info.PurgeAfter)
	return nil
}

// Undrop restores a dropped table. Past the recovery window the drop
// is final and ErrRetentionExpired is returned.
func (c *Catalog) Undrop(ctx context.Context, table proto.TableID) error {
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
	now := c.nowFunc()
	if now.UnixNano() > h.info.PurgeAfter {
		return apierrors.ErrRetentionExpired
	}

	info := copyInfo(h.info)
	info.State = proto.TableStateNormal
	info.DroppedAt = 0
	refreshMarkers(info, now)
	if err := c.storage.PutTable(ctx, info); err != nil {
		return err
	}
	h.info = info
	span.Infof("table[%s] undropped", table)
	return nil
}

// ListTables yields every table whose name starts with prefix; an
// empty prefix lists all.
func (c *Catalog) ListTables(ctx context.Context, prefix proto.TableID) ([]*proto.TableInfo, error) {
	ret := make([]*proto.TableInfo, 0)
	err := c.storage.ListTables(ctx, prefix, nil, func(info *proto.TableInfo) error {
		ret = append(ret, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Pin registers a read reference on the snapshot so a query keeps its
// view even as the head advances and the sweep runs. Release the pin
// when the read finishes.
func (c *Catalog) Pin(ctx context.Context, snap *proto.Snapshot) (release func(), err error) {
	h, err := c.handle(snap.Table)
	if err != nil {
		return nil, err
	}
	h.lock.Lock()
	h.pins[snap.Seq]++
	h.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.lock.Lock()
			if h.pins[snap.Seq] <= 1 {
				delete(h.pins, snap.Seq)
			} else {
				h.pins[snap.Seq]--
			}
			h.lock.Unlock()
		})
	}, nil
}

// PinnedSeqs reports the currently pinned sequences of one table; the
// sweep marks them live regardless of retention state.
func (c *Catalog) PinnedSeqs(table proto.TableID) []proto.Sequence {
	v, ok := c.tables.Load(table)
	if !ok {
		return nil
	}
	h := v.(*tableHandle)
	h.lock.RLock()
	defer h.lock.RUnlock()
	seqs := make([]proto.Sequence, 0, len(h.pins))
	for seq := range h.pins {
		seqs = append(seqs, seq)
	}
	return seqs
}

func (c *Catalog) handle(table proto.TableID) (*tableHandle, error) {
	v, ok := c.tables.Load(table)
	if !ok {
		return nil, apierrors.ErrTableDoesNotExist
	}
	return v.(*tableHandle), nil
}

func refreshMarkers(info *proto.TableInfo, now time.Time) {
	info.RetainUntil = now.Add(-time.Duration(info.RetainDays) * day).UnixNano()
	info.PurgeAfter = now.Add(-time.Duration(info.RetainDays+proto.RecoveryDays) * day).UnixNano()
}

func copyInfo(info *proto.TableInfo) *proto.TableInfo {
	cp := *info
	return &cp
}
