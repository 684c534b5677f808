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

package partition

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/elastic/go-freelru"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/common/kvstore"
	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
)

const defaultCacheSize = 1024

type Config struct {
	CacheSize uint32 `json:"cache_size"`
}

// Store holds the immutable, content-addressed partitions. Partitions
// are written once, never mutated, and referenced by any number of
// snapshots across any number of tables; physical deletion is driven
// solely by the sweep.
type Store struct {
	kvStore kvstore.Store
	keys    *keysGenerator

	cache       *freelru.ShardedLRU[proto.PartitionID, []proto.Row]
	singleGroup singleflight.Group

	// live reference counts, recomputed by each sweep mark phase
	refcounts map[proto.PartitionID]int
	refLock   sync.RWMutex
}

func NewStore(ctx context.Context, s *store.Store, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := freelru.NewSharded[proto.PartitionID, []proto.Row](cfg.CacheSize, hashPartitionID)
	if err != nil {
		return nil, err
	}
	return &Store{
		kvStore:   s.KVStore(),
		keys:      &keysGenerator{},
		cache:     cache,
		refcounts: make(map[proto.PartitionID]int),
	}, nil
}

func hashPartitionID(id proto.PartitionID) uint32 {
	return uint32(id ^ id>>32)
}

// Put stores one immutable partition and returns its descriptor. The
// content id is the hash of the canonical encoding, so putting
// identical rows twice stores one blob and returns the same reference.
// The write is synced before Put returns.
func (s *Store) Put(ctx context.Context, rows []proto.Row, clusterKey []int) (*proto.PartitionInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	if len(rows) == 0 {
		return nil, apierrors.ErrInvalidArgument
	}

	encoded := encodeRows(rows)
	id := contentID(encoded)

	if info, err := s.Info(ctx, id); err == nil {
		// a dedup hit re-references content the sweep may already have
		// judged by its original write time; refreshing the descriptor
		// puts it back under the grace window before the caller links it
		if err := s.touch(ctx, info); err != nil {
			return nil, err
		}
		metrics.PartitionPutTotal.WithLabelValues("dedup").Inc()
		span.Debugf("partition[%d] dedup hit", id)
		return info, nil
	}

	info := &proto.PartitionInfo{
		ID:        id,
		RowCount:  uint32(len(rows)),
		ByteSize:  uint32(len(encoded)),
		Stats:     clusterStats(rows, clusterKey),
		CreatedAt: time.Now().UnixNano(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Put(store.DataCF, s.keys.encodeBlobKey(id), encoded)
	batch.Put(store.MetaCF, s.keys.encodeMetaKey(id), meta)

	wo := s.kvStore.NewWriteOption()
	defer wo.Close()
	wo.SetSync(true)

	if err := s.kvStore.Write(ctx, batch, wo); err != nil {
		metrics.PartitionPutTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PartitionPutTotal.WithLabelValues("ok").Inc()
	return info, nil
}

// Get returns the rows of one partition. A miss is a correctness bug
// when the caller still holds a snapshot reference, so it is logged at
// error level before being surfaced.
func (s *Store) Get(ctx context.Context, id proto.PartitionID) ([]proto.Row, error) {
	if rows, ok := s.cache.Get(id); ok {
		metrics.PartitionCacheHit.WithLabelValues("hit").Inc()
		return rows, nil
	}
	metrics.PartitionCacheHit.WithLabelValues("miss").Inc()

	v, err, _ := s.singleGroup.Do(s.keys.flightKey(id), func() (interface{}, error) {
		raw, err := s.kvStore.GetRaw(ctx, store.DataCF, s.keys.encodeBlobKey(id), nil)
		if err != nil {
			if err == kvstore.ErrNotFound {
				span := trace.SpanFromContextSafe(ctx)
				span.Errorf("partition[%d] missing from store, collected while referenced?", id)
				return nil, apierrors.ErrPartitionNotFound
			}
			return nil, err
		}
		rows, err := decodeRows(raw)
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, rows)
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]proto.Row), nil
}

func (s *Store) touch(ctx context.Context, info *proto.PartitionInfo) error {
	info.CreatedAt = time.Now().UnixNano()
	meta, err := json.Marshal(info)
	if err != nil {
		return err
	}
	wo := s.kvStore.NewWriteOption()
	defer wo.Close()
	wo.SetSync(true)
	return s.kvStore.SetRaw(ctx, store.MetaCF, s.keys.encodeMetaKey(info.ID), meta, wo)
}

// Info returns the partition descriptor without loading row data.
func (s *Store) Info(ctx context.Context, id proto.PartitionID) (*proto.PartitionInfo, error) {
	raw, err := s.kvStore.GetRaw(ctx, store.MetaCF, s.keys.encodeMetaKey(id), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrPartitionNotFound
		}
		return nil, err
	}
	info := &proto.PartitionInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

// List walks every partition descriptor. The read option lets the
// sweep walk a pinned engine view.
func (s *Store) List(ctx context.Context, readOpt kvstore.ReadOption, fn func(*proto.PartitionInfo) error) error {
	lr := s.kvStore.List(ctx, store.MetaCF, s.keys.metaKeyPrefix(), nil, readOpt)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if key == nil || value == nil {
			return nil
		}
		info := &proto.PartitionInfo{}
		err = json.Unmarshal(value.Value(), info)
		key.Close()
		value.Close()
		if err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
}

// Delete removes blob and descriptor; only the sweep calls this.
func (s *Store) Delete(ctx context.Context, id proto.PartitionID) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Delete(store.DataCF, s.keys.encodeBlobKey(id))
	batch.Delete(store.MetaCF, s.keys.encodeMetaKey(id))

	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

// Refcount reports the live snapshot references of the partition as of
// the last completed mark phase. Writers do not maintain it; a
// freshly written partition reads 0 until the next sweep.
func (s *Store) Refcount(id proto.PartitionID) int {
	s.refLock.RLock()
	defer s.refLock.RUnlock()
	return s.refcounts[id]
}

// PublishRefcounts installs the mark phase result.
func (s *Store) PublishRefcounts(counts map[proto.PartitionID]int) {
	s.refLock.Lock()
	s.refcounts = counts
	s.refLock.Unlock()
}
