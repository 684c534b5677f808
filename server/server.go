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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/glacierdb/glacierdb/catalog"
	"github.com/glacierdb/glacierdb/clone"
	"github.com/glacierdb/glacierdb/common/kvstore"
	"github.com/glacierdb/glacierdb/gc"
	"github.com/glacierdb/glacierdb/partition"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/snapshot"
	"github.com/glacierdb/glacierdb/store"
	"github.com/glacierdb/glacierdb/timetravel"
	"github.com/glacierdb/glacierdb/util/limiter"
)

const defaultMaxPartitionRows = 4096

type Config struct {
	StoreConfig     store.Config        `json:"store_config"`
	CatalogConfig   catalog.Config      `json:"catalog_config"`
	PartitionConfig partition.Config    `json:"partition_config"`
	GCConfig        gc.Config           `json:"gc_config"`
	LimitConfig     limiter.LimitConfig `json:"limit_config"`

	// MaxPartitionRows caps how many rows one commit packs into a
	// single partition.
	MaxPartitionRows int `json:"max_partition_rows"`
}

// Server wires the storage core together and carries the table write
// and read paths on top of it.
type Server struct {
	store      *store.Store
	catalog    *catalog.Catalog
	partitions *partition.Store
	manager    *snapshot.Manager
	resolver   *timetravel.Resolver
	cloner     *clone.Engine
	scheduler  *gc.Scheduler
	limiter    limiter.Limiter

	cfg *Config
}

func NewServer(cfg *Config) (*Server, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "new-server")
	if cfg.MaxPartitionRows <= 0 {
		cfg.MaxPartitionRows = defaultMaxPartitionRows
	}

	s, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		span.Errorf("open store at %s failed: %s", cfg.StoreConfig.Path, err)
		return nil, err
	}
	c, err := catalog.NewCatalog(ctx, s, &cfg.CatalogConfig)
	if err != nil {
		s.Close()
		return nil, err
	}
	p, err := partition.NewStore(ctx, s, &cfg.PartitionConfig)
	if err != nil {
		s.Close()
		return nil, err
	}

	manager := snapshot.NewManager(c)
	resolver := timetravel.NewResolver(c)
	srv := &Server{
		store:      s,
		catalog:    c,
		partitions: p,
		manager:    manager,
		resolver:   resolver,
		cloner:     clone.NewEngine(c, resolver, manager),
		scheduler:  gc.NewScheduler(s, c, p, &cfg.GCConfig),
		limiter:    limiter.NewLimiter(cfg.LimitConfig),
		cfg:        cfg,
	}
	srv.scheduler.Start()
	log.Info("server started at", cfg.StoreConfig.Path)
	return srv, nil
}

func (s *Server) CreateTable(ctx context.Context, name proto.TableID, clusterKey []int, retainDays uint32) (*proto.TableInfo, error) {
	return s.catalog.CreateTable(ctx, name, clusterKey, retainDays)
}

func (s *Server) GetTable(ctx context.Context, name proto.TableID) (*proto.TableInfo, error) {
	return s.catalog.GetTable(ctx, name)
}

func (s *Server) ListTables(ctx context.Context, prefix proto.TableID) ([]*proto.TableInfo, error) {
	return s.catalog.ListTables(ctx, prefix)
}

func (s *Server) SetRetention(ctx context.Context, name proto.TableID, retainDays uint32) error {
	return s.catalog.SetRetention(ctx, name, retainDays)
}

func (s *Server) DropTable(ctx context.Context, name proto.TableID) error {
	return s.catalog.Drop(ctx, name)
}

func (s *Server) UndropTable(ctx context.Context, name proto.TableID) error {
	return s.catalog.Undrop(ctx, name)
}

func (s *Server) Clone(ctx context.Context, source proto.TableID, sel *proto.TimeSelector, newName proto.TableID) (*proto.TableInfo, error) {
	return s.cloner.Clone(ctx, source, sel, newName)
}

func (s *Server) CloneDatabase(ctx context.Context, sourceDB, newDB string, sel *proto.TimeSelector) ([]*proto.TableInfo, error) {
	return s.cloner.CloneDatabase(ctx, sourceDB, newDB, sel)
}

// History lists a table's snapshot descriptors oldest first.
func (s *Server) History(ctx context.Context, name proto.TableID) ([]*proto.Snapshot, error) {
	iter, err := s.catalog.History(ctx, name)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ret := make([]*proto.Snapshot, 0)
	for {
		snap, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return ret, nil
		}
		ret = append(ret, snap)
	}
}

// SweepNow triggers one retention cycle outside the regular schedule.
func (s *Server) SweepNow(ctx context.Context) (gc.Stats, error) {
	return s.scheduler.SweepOnce(ctx)
}

func (s *Server) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Server) Close() {
	s.scheduler.Close()
	s.store.Close()
}
