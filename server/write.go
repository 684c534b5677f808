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
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/snapshot"
	"github.com/glacierdb/glacierdb/util"
)

const maxCommitRetries = 3

// WriteRequest is one statement's row changes. Deletes match by whole
// row equality.
type WriteRequest struct {
	Inserts []proto.Row `json:"inserts"`
	Deletes []proto.Row `json:"deletes"`
}

// Write runs the copy-on-write commit: affected partitions are rewritten
// without their deleted rows, inserts are packed into new partitions,
// and the resulting delta is committed against the head. A head that
// moved during planning forces a replan; after maxCommitRetries the
// conflict is surfaced.
func (s *Server) Write(ctx context.Context, table proto.TableID, req *WriteRequest) (*proto.CommitResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	if len(req.Inserts) == 0 && len(req.Deletes) == 0 {
		return nil, apierrors.ErrEmptyCommit
	}
	if err := s.limiter.AcquireWrite(); err != nil {
		return nil, err
	}
	defer s.limiter.ReleaseWrite()

	var lastErr error
	for i := 0; i < maxCommitRetries; i++ {
		head, err := s.catalog.Head(ctx, table)
		if err != nil {
			return nil, err
		}
		delta, err := s.planDelta(ctx, head, req)
		if err != nil {
			return nil, err
		}
		snap, err := s.manager.Commit(ctx, head, delta)
		if err == apierrors.ErrConcurrentModification {
			span.Warnf("table[%s] head moved past seq[%d], replanning", table, head.Seq)
			lastErr = err
			continue
		}
		if err != nil {
			metrics.CommitTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.CommitTotal.WithLabelValues("ok").Inc()
		return &proto.CommitResult{Table: table, Seq: snap.Seq, CommitID: snap.CommitID}, nil
	}
	metrics.CommitTotal.WithLabelValues("conflict").Inc()
	return nil, lastErr
}

// planDelta turns row changes into a partition delta against base.
// Partitions with no deleted row are left untouched; the rest are
// replaced by rewrites holding their surviving rows.
func (s *Server) planDelta(ctx context.Context, base *proto.Snapshot, req *WriteRequest) (snapshot.Delta, error) {
	delta := snapshot.Delta{}

	deleted := make(map[string]struct{}, len(req.Deletes))
	for _, row := range req.Deletes {
		deleted[rowKey(row)] = struct{}{}
	}

	if len(deleted) > 0 {
		for _, id := range base.Partitions {
			rows, err := s.partitions.Get(ctx, id)
			if err != nil {
				return delta, err
			}
			kept := rows[:0:0]
			for _, row := range rows {
				if _, ok := deleted[rowKey(row)]; !ok {
					kept = append(kept, row)
				}
			}
			if len(kept) == len(rows) {
				continue
			}
			delta.Removed = append(delta.Removed, id)
			if err := s.putChunked(ctx, kept, base.ClusterKey, &delta); err != nil {
				return delta, err
			}
		}
	}

	if err := s.putChunked(ctx, req.Inserts, base.ClusterKey, &delta); err != nil {
		return delta, err
	}
	return delta, nil
}

func (s *Server) putChunked(ctx context.Context, rows []proto.Row, clusterKey []int, delta *snapshot.Delta) error {
	for len(rows) > 0 {
		n := len(rows)
		if n > s.cfg.MaxPartitionRows {
			n = s.cfg.MaxPartitionRows
		}
		info, err := s.partitions.Put(ctx, rows[:n], clusterKey)
		if err != nil {
			return err
		}
		delta.Added = append(delta.Added, info.ID)
		rows = rows[n:]
	}
	return nil
}

// rowKey builds an unambiguous byte form of a row for whole-row
// equality matching.
func rowKey(row proto.Row) string {
	size := 0
	for _, d := range row {
		size += binary.MaxVarintLen32 + len(d)
	}
	buf := make([]byte, 0, size)
	for _, d := range row {
		buf = binary.AppendUvarint(buf, uint64(len(d)))
		buf = append(buf, d...)
	}
	return util.BytesToString(buf)
}
