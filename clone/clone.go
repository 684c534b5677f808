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

package clone

import (
	"context"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/glacierdb/glacierdb/catalog"
	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/snapshot"
	"github.com/glacierdb/glacierdb/timetravel"
)

// Engine creates zero-copy clones: a new table identity whose root
// snapshot aliases a source snapshot's partitions by reference. The
// clone's history is independent from the first moment; only partition
// reachability ties the two tables together.
type Engine struct {
	catalog  *catalog.Catalog
	resolver *timetravel.Resolver
	manager  *snapshot.Manager
}

func NewEngine(c *catalog.Catalog, r *timetravel.Resolver, m *snapshot.Manager) *Engine {
	return &Engine{catalog: c, resolver: r, manager: m}
}

// Clone materializes newName at the source point named by sel (head
// when nil). No partition bytes are copied.
func (e *Engine) Clone(ctx context.Context, source proto.TableID, sel *proto.TimeSelector, newName proto.TableID) (*proto.TableInfo, error) {
	span := trace.SpanFromContextSafe(ctx)

	srcInfo, err := e.catalog.GetTable(ctx, source)
	if err != nil {
		return nil, err
	}
	snap, err := e.resolver.Resolve(ctx, source, sel)
	if err != nil {
		return nil, err
	}

	// pin the resolved snapshot so a concurrent sweep cannot purge it
	// between resolution and the new history root landing
	release, err := e.catalog.Pin(ctx, snap)
	if err != nil {
		return nil, err
	}
	defer release()

	_, info, err := e.manager.CloneFrom(ctx, snap, newName, srcInfo.RetainDays)
	if err != nil {
		return nil, err
	}
	metrics.CloneTotal.Inc()
	span.Infof("table[%s] cloned to table[%s] at seq[%d]", source, newName, snap.Seq)
	return info, nil
}

// CloneDatabase clones every live table under the database prefix
// "db." at one selector. Already-cloned tables stay in place when a
// later one fails; the caller decides whether to drop them.
func (e *Engine) CloneDatabase(ctx context.Context, sourceDB, newDB string, sel *proto.TimeSelector) ([]*proto.TableInfo, error) {
	if sourceDB == "" || newDB == "" || sourceDB == newDB {
		return nil, apierrors.ErrInvalidArgument
	}
	// pin a relative selector to one instant so every table of the
	// database clones the same point in time
	if sel != nil && sel.Kind == proto.SelectOffset {
		if sel.OffsetSec < 0 {
			return nil, apierrors.ErrInvalidSelector
		}
		sel = proto.Timestamp(time.Now().Add(-time.Duration(sel.OffsetSec) * time.Second).UnixNano())
	}

	tables, err := e.catalog.ListTables(ctx, sourceDB+".")
	if err != nil {
		return nil, err
	}

	ret := make([]*proto.TableInfo, 0, len(tables))
	for _, t := range tables {
		if t.Dropped() {
			continue
		}
		newName := newDB + "." + strings.TrimPrefix(t.Name, sourceDB+".")
		info, err := e.Clone(ctx, t.Name, sel, newName)
		if err != nil {
			return ret, err
		}
		ret = append(ret, info)
	}
	return ret, nil
}
