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
	"bytes"
	"context"

	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/partition"
	"github.com/glacierdb/glacierdb/proto"
)

// View is one pinned read of a table at a resolved point. The pin keeps
// every referenced partition out of the sweep until Close, so a long
// scan stays consistent while the head advances past it.
type View struct {
	snap       *proto.Snapshot
	partitions *partition.Store
	release    func()
}

// Read resolves the selector (head when nil) and pins the result. The
// caller must Close the view.
func (s *Server) Read(ctx context.Context, table proto.TableID, sel *proto.TimeSelector) (*View, error) {
	return s.read(ctx, table, sel, false)
}

// ReadRecoverable is the administrative variant reaching past
// retain_until into the recovery window.
func (s *Server) ReadRecoverable(ctx context.Context, table proto.TableID, sel *proto.TimeSelector) (*View, error) {
	return s.read(ctx, table, sel, true)
}

func (s *Server) read(ctx context.Context, table proto.TableID, sel *proto.TimeSelector, recoverable bool) (*View, error) {
	if err := s.limiter.AcquireRead(); err != nil {
		return nil, err
	}

	var (
		snap *proto.Snapshot
		err  error
	)
	if recoverable {
		snap, err = s.resolver.ResolveRecoverable(ctx, table, sel)
	} else {
		snap, err = s.resolver.Resolve(ctx, table, sel)
	}
	if err != nil {
		s.limiter.ReleaseRead()
		metrics.ReadTotal.WithLabelValues(selectorKind(sel), "error").Inc()
		return nil, err
	}

	release, err := s.catalog.Pin(ctx, snap)
	if err != nil {
		s.limiter.ReleaseRead()
		return nil, err
	}
	metrics.ReadTotal.WithLabelValues(selectorKind(sel), "ok").Inc()
	return &View{
		snap:       snap,
		partitions: s.partitions,
		release: func() {
			release()
			s.limiter.ReleaseRead()
		},
	}, nil
}

func selectorKind(sel *proto.TimeSelector) string {
	if sel == nil {
		return "head"
	}
	switch sel.Kind {
	case proto.SelectTimestamp:
		return "timestamp"
	case proto.SelectOffset:
		return "offset"
	case proto.SelectStatement:
		return "statement"
	default:
		return "invalid"
	}
}

func (v *View) Snapshot() *proto.Snapshot {
	return v.snap
}

// Scan streams every row of the view in partition order.
func (v *View) Scan(ctx context.Context, fn func(proto.Row) error) error {
	for _, id := range v.snap.Partitions {
		rows, err := v.partitions.Get(ctx, id)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScanRange streams rows whose clustering column col falls inside
// [min, max]. Partitions whose column stats exclude the range are
// pruned without loading their data.
func (v *View) ScanRange(ctx context.Context, col int, min, max []byte, fn func(proto.Row) error) error {
	for _, id := range v.snap.Partitions {
		info, err := v.partitions.Info(ctx, id)
		if err != nil {
			return err
		}
		if pruned(info.Stats, col, min, max) {
			continue
		}
		rows, err := v.partitions.Get(ctx, id)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			if bytes.Compare(row[col], min) < 0 || bytes.Compare(row[col], max) > 0 {
				continue
			}
			if err := fn(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rows materializes the whole view.
func (v *View) Rows(ctx context.Context) ([]proto.Row, error) {
	rows := make([]proto.Row, 0)
	err := v.Scan(ctx, func(row proto.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (v *View) Close() {
	v.release()
}

func pruned(stats []proto.ColumnStats, col int, min, max []byte) bool {
	for _, st := range stats {
		if st.Column != col {
			continue
		}
		if bytes.Compare(st.Min, max) > 0 || bytes.Compare(st.Max, min) < 0 {
			return true
		}
		return false
	}
	return false
}
