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

package gc

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"golang.org/x/time/rate"

	"github.com/glacierdb/glacierdb/catalog"
	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/partition"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
)

const (
	defaultIntervalSec  = 300
	defaultDeletePerSec = 256
	defaultTaskPoolSize = 8
)

type Config struct {
	IntervalSec  int `json:"interval_sec"`
	DeletePerSec int `json:"delete_per_sec"`
	Workers      int `json:"workers"`
	// GraceSec protects partitions written before the mark began whose
	// commit had not linked them yet; it defaults to twice the sweep
	// interval.
	GraceSec int `json:"grace_sec"`
}

// Stats summarizes one sweep cycle.
type Stats struct {
	MarkedPartitions  int
	DeletedPartitions int
	PurgedSnapshots   int
	RemovedTables     int
	SkippedTables     int
}

// Scheduler is the retention sweep: a periodic mark-then-sweep over
// every table history. The mark phase reads one consistent engine view
// of all histories, so writes racing the sweep can only add
// references it does not see, never remove ones it does; anything the
// mark misses that way is young enough for the grace window and is
// left for the next cycle.
type Scheduler struct {
	catalog    *catalog.Catalog
	partitions *partition.Store
	baseStore  *store.Store

	taskPool  taskpool.TaskPool
	deleteLim *rate.Limiter
	nowFunc   func() time.Time

	closeChan chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
	cfg       *Config
}

func NewScheduler(s *store.Store, c *catalog.Catalog, p *partition.Store, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = defaultIntervalSec
	}
	if cfg.DeletePerSec <= 0 {
		cfg.DeletePerSec = defaultDeletePerSec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultTaskPoolSize
	}
	if cfg.GraceSec <= 0 {
		cfg.GraceSec = 2 * cfg.IntervalSec
	}

	return &Scheduler{
		catalog:    c,
		partitions: p,
		baseStore:  s,
		taskPool:   taskpool.New(cfg.Workers, cfg.Workers),
		deleteLim:  rate.NewLimiter(rate.Limit(cfg.DeletePerSec), cfg.DeletePerSec),
		nowFunc:    time.Now,
		closeChan:  make(chan struct{}),
		cfg:        cfg,
	}
}

func (s *Scheduler) Start() {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop()
	}()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "gc-sweep")
			if _, err := s.SweepOnce(ctx); err != nil {
				span.Errorf("sweep cycle failed: %s", err)
			}
		case <-s.closeChan:
			return
		}
	}
}

// Close stops the loop and waits for an in-flight cycle; the kvstore
// must stay open until it returns.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.loopWG.Wait()
		s.taskPool.Close()
	})
}

// SweepOnce runs one full cycle: advance snapshot states per table,
// mark every partition reachable from any linked history, then delete
// what stayed unmarked past the grace window.
func (s *Scheduler) SweepOnce(ctx context.Context) (Stats, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := s.nowFunc()
	stats := Stats{}

	s.advanceStates(ctx, start, &stats)

	marked, err := s.mark(ctx)
	if err != nil {
		return stats, err
	}
	stats.MarkedPartitions = len(marked)
	s.partitions.PublishRefcounts(marked)

	if err := s.sweep(ctx, start, marked, &stats); err != nil {
		return stats, err
	}

	metrics.GCSweepDuration.Observe(time.Since(start).Seconds())
	span.Infof("sweep done in %s: %d marked, %d deleted, %d snapshots purged, %d tables removed, %d skipped",
		time.Since(start), stats.MarkedPartitions, stats.DeletedPartitions, stats.PurgedSnapshots, stats.RemovedTables, stats.SkippedTables)
	return stats, nil
}

// advanceStates runs the per-table retention transitions. Tables fan
// out over the task pool; one stuck table is logged and skipped, never
// fatal to the cycle.
func (s *Scheduler) advanceStates(ctx context.Context, now time.Time, stats *Stats) {
	span := trace.SpanFromContextSafe(ctx)
	tables := s.catalog.TablesForSweep()

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
	)
	for _, info := range tables {
		info := info
		wg.Add(1)
		s.taskPool.Run(func() {
			defer wg.Done()
			purged, removed, err := s.advanceTable(ctx, info, now)
			lock.Lock()
			stats.PurgedSnapshots += purged
			stats.RemovedTables += removed
			if err != nil {
				stats.SkippedTables++
			}
			lock.Unlock()
			if err != nil {
				metrics.GCSkippedTables.Inc()
				span.Warnf("table[%s] skipped this cycle: %s", info.Name, err)
			}
		})
	}
	wg.Wait()
}

func (s *Scheduler) advanceTable(ctx context.Context, info *proto.TableInfo, now time.Time) (purged, removed int, err error) {
	if info.Dropped() {
		if now.UnixNano() > info.PurgeAfter {
			if err := s.catalog.RemoveTable(ctx, info.Name); err != nil {
				return 0, 0, err
			}
			return 0, 1, nil
		}
		return 0, 0, nil
	}

	info, err = s.catalog.AdvanceMarkers(ctx, info.Name, now)
	if err != nil {
		return 0, 0, err
	}

	pinned := make(map[proto.Sequence]struct{})
	for _, seq := range s.catalog.PinnedSeqs(info.Name) {
		pinned[seq] = struct{}{}
	}

	iter, err := s.catalog.History(ctx, info.Name)
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	// a snapshot's state is judged by when its successor superseded
	// it; iteration is oldest first so the successor is the next item
	var prev *proto.Snapshot
	for {
		snap, err := iter.Next()
		if err != nil {
			return purged, 0, err
		}
		if snap == nil {
			break
		}
		if prev != nil {
			validUntil := snap.Timestamp
			if _, isPinned := pinned[prev.Seq]; !isPinned {
				switch {
				case validUntil < info.PurgeAfter:
					if err := s.catalog.UnlinkSnapshot(ctx, info.Name, prev.Seq); err != nil {
						return purged, 0, err
					}
					metrics.GCPurgedSnapshots.Inc()
					purged++
				case validUntil < info.RetainUntil && prev.State == proto.SnapshotStateActive:
					if err := s.catalog.SetSnapshotState(ctx, info.Name, prev.Seq, proto.SnapshotStateRecoverable); err != nil {
						return purged, 0, err
					}
				}
			}
		}
		prev = snap
	}
	return purged, 0, nil
}

// mark computes the reachability set: every partition referenced by
// any linked snapshot of any non-purged history, read from one pinned
// engine view.
func (s *Scheduler) mark(ctx context.Context) (map[proto.PartitionID]int, error) {
	kv := s.baseStore.KVStore()
	engineSnap := kv.NewSnapshot()
	defer engineSnap.Close()
	readOpt := kv.NewReadOption()
	readOpt.SetSnapShot(engineSnap)
	defer readOpt.Close()

	marked := make(map[proto.PartitionID]int)
	err := s.catalog.View(ctx, readOpt, func(_ *proto.TableInfo, snap *proto.Snapshot) error {
		for _, id := range snap.Partitions {
			marked[id]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// sweep deletes unmarked partitions older than the grace window,
// throttled so the deletes do not crowd out foreground writes.
func (s *Scheduler) sweep(ctx context.Context, start time.Time, marked map[proto.PartitionID]int, stats *Stats) error {
	graceCutoff := start.Add(-time.Duration(s.cfg.GraceSec) * time.Second).UnixNano()

	kv := s.baseStore.KVStore()
	engineSnap := kv.NewSnapshot()
	defer engineSnap.Close()
	readOpt := kv.NewReadOption()
	readOpt.SetSnapShot(engineSnap)
	defer readOpt.Close()

	victims := make([]proto.PartitionID, 0)
	err := s.partitions.List(ctx, readOpt, func(info *proto.PartitionInfo) error {
		if _, ok := marked[info.ID]; ok {
			return nil
		}
		if info.CreatedAt >= graceCutoff {
			return nil
		}
		victims = append(victims, info.ID)
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range victims {
		if err := s.deleteLim.Wait(ctx); err != nil {
			return err
		}
		// re-read from the live view: a deduplicating commit may have
		// re-referenced the content since the mark and refreshed its
		// descriptor back under the grace window
		info, err := s.partitions.Info(ctx, id)
		if err == apierrors.ErrPartitionNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if info.CreatedAt >= graceCutoff {
			continue
		}
		if err := s.partitions.Delete(ctx, id); err != nil {
			return err
		}
		metrics.GCDeletedPartitions.Inc()
		stats.DeletedPartitions++
	}
	return nil
}
