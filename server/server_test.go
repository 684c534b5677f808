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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/gc"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
	"github.com/glacierdb/glacierdb/util"
)

func newTestServer(t *testing.T) (*Server, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	srv, err := NewServer(&Config{
		StoreConfig: store.Config{Path: path},
		GCConfig:    gc.Config{IntervalSec: 3600, GraceSec: 1},
	})
	require.NoError(t, err)
	return srv, func() {
		srv.Close()
		os.RemoveAll(path)
	}
}

func row(vals ...string) proto.Row {
	r := make(proto.Row, 0, len(vals))
	for _, v := range vals {
		r = append(r, []byte(v))
	}
	return r
}

func readRows(t *testing.T, srv *Server, table proto.TableID, sel *proto.TimeSelector) []proto.Row {
	ctx := context.TODO()
	view, err := srv.Read(ctx, table, sel)
	require.NoError(t, err)
	defer view.Close()
	rows, err := view.Rows(ctx)
	require.NoError(t, err)
	return rows
}

func TestServer_WriteReadTimeTravelClone(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)

	s1, err := srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("a"), row("b")}})
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(1), s1.Seq)

	s2, err := srv.Write(ctx, "db.t", &WriteRequest{
		Inserts: []proto.Row{row("c")},
		Deletes: []proto.Row{row("a")},
	})
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(2), s2.Seq)

	// head sees the delete and the insert
	rows := readRows(t, srv, "db.t", nil)
	require.ElementsMatch(t, []proto.Row{row("b"), row("c")}, rows)

	// an offset of zero is the head
	rows = readRows(t, srv, "db.t", proto.Offset(0))
	require.ElementsMatch(t, []proto.Row{row("b"), row("c")}, rows)

	// time travel back to the first commit
	rows = readRows(t, srv, "db.t", proto.Statement(s1.CommitID))
	require.ElementsMatch(t, []proto.Row{row("a"), row("b")}, rows)

	// clone at the first commit; the source advancing past it already
	// must not leak into the clone
	cloneInfo, err := srv.Clone(ctx, "db.t", proto.Statement(s1.CommitID), "db.t2")
	require.NoError(t, err)
	require.Equal(t, proto.TableID("db.t"), cloneInfo.ClonedFrom)
	require.Equal(t, proto.Sequence(1), cloneInfo.ClonedSeq)

	rows = readRows(t, srv, "db.t2", nil)
	require.ElementsMatch(t, []proto.Row{row("a"), row("b")}, rows)

	// zero copy: the clone's root aliases the source partition ids
	srcView, err := srv.Read(ctx, "db.t", proto.Statement(s1.CommitID))
	require.NoError(t, err)
	cloneView, err := srv.Read(ctx, "db.t2", nil)
	require.NoError(t, err)
	require.Equal(t, srcView.Snapshot().Partitions, cloneView.Snapshot().Partitions)
	srcView.Close()
	cloneView.Close()

	// histories diverge independently after the clone
	_, err = srv.Write(ctx, "db.t2", &WriteRequest{Inserts: []proto.Row{row("d")}})
	require.NoError(t, err)
	rows = readRows(t, srv, "db.t2", nil)
	require.ElementsMatch(t, []proto.Row{row("a"), row("b"), row("d")}, rows)
	rows = readRows(t, srv, "db.t", nil)
	require.ElementsMatch(t, []proto.Row{row("b"), row("c")}, rows)
}

func TestServer_ConcurrentWritersAllLand(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)

	const writers = 3
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = srv.Write(ctx, "db.t", &WriteRequest{
				Inserts: []proto.Row{row("w", string(rune('a' + i)))},
			})
		}()
	}
	wg.Wait()
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}

	head, err := srv.catalog.Head(ctx, "db.t")
	require.NoError(t, err)
	require.Equal(t, proto.Sequence(writers), head.Seq)
	require.Len(t, readRows(t, srv, "db.t", nil), writers)
}

func TestServer_DedupAcrossTables(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.x", nil, 1)
	require.NoError(t, err)
	_, err = srv.CreateTable(ctx, "db.y", nil, 1)
	require.NoError(t, err)

	_, err = srv.Write(ctx, "db.x", &WriteRequest{Inserts: []proto.Row{row("same"), row("rows")}})
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.y", &WriteRequest{Inserts: []proto.Row{row("same"), row("rows")}})
	require.NoError(t, err)

	hx, err := srv.catalog.Head(ctx, "db.x")
	require.NoError(t, err)
	hy, err := srv.catalog.Head(ctx, "db.y")
	require.NoError(t, err)
	require.Equal(t, hx.Partitions, hy.Partitions)
}

func TestServer_SelectorErrors(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("x")}})
	require.NoError(t, err)

	_, err = srv.Read(ctx, "db.t", proto.Timestamp(time.Now().Add(time.Hour).UnixNano()))
	require.Equal(t, apierrors.ErrFutureTimestamp, err)

	_, err = srv.Read(ctx, "db.t", proto.Statement("no-such-commit"))
	require.Equal(t, apierrors.ErrNoSuchCommit, err)

	_, err = srv.Read(ctx, "db.t", proto.Offset(-1))
	require.Equal(t, apierrors.ErrInvalidSelector, err)

	_, err = srv.Read(ctx, "db.missing", nil)
	require.Equal(t, apierrors.ErrTableDoesNotExist, err)
}

func TestServer_DropUndrop(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("keep")}})
	require.NoError(t, err)

	require.NoError(t, srv.DropTable(ctx, "db.t"))
	_, err = srv.Read(ctx, "db.t", nil)
	require.Equal(t, apierrors.ErrTableDropped, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("nope")}})
	require.Equal(t, apierrors.ErrTableDropped, err)

	require.NoError(t, srv.UndropTable(ctx, "db.t"))
	rows := readRows(t, srv, "db.t", nil)
	require.ElementsMatch(t, []proto.Row{row("keep")}, rows)
}

func TestServer_EmptyWriteRejected(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{})
	require.Equal(t, apierrors.ErrEmptyCommit, err)
}

func TestServer_ScanRangePrunes(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", []int{0}, 1)
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("apple"), row("banana")}})
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("melon"), row("peach")}})
	require.NoError(t, err)

	view, err := srv.Read(ctx, "db.t", nil)
	require.NoError(t, err)
	defer view.Close()

	got := make([]proto.Row, 0)
	err = view.ScanRange(ctx, 0, []byte("b"), []byte("c"), func(r proto.Row) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []proto.Row{row("banana")}, got)
}

func TestServer_SweepAfterRewriteCollectsOrphan(t *testing.T) {
	ctx := context.TODO()
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.CreateTable(ctx, "db.t", nil, 1)
	require.NoError(t, err)
	_, err = srv.Write(ctx, "db.t", &WriteRequest{Inserts: []proto.Row{row("a"), row("b")}})
	require.NoError(t, err)

	head, err := srv.catalog.Head(ctx, "db.t")
	require.NoError(t, err)
	require.Len(t, head.Partitions, 1)

	// history still references the original partition, nothing to collect
	time.Sleep(1200 * time.Millisecond)
	stats, err := srv.SweepNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.DeletedPartitions)
}
