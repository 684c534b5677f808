package catalog

import (
	"github.com/cubefs/cubefs/util/btree"

	"github.com/glacierdb/glacierdb/proto"
)

// tsItem orders a table's snapshots by (timestamp, sequence). Equal
// wall-clock timestamps are possible below clock resolution; the
// sequence keeps the order strict and lets the highest sequence win a
// timestamp lookup.
type tsItem struct {
	ts  int64
	seq proto.Sequence
}

func (i *tsItem) Less(than btree.Item) bool {
	o := than.(*tsItem)
	if i.ts != o.ts {
		return i.ts < o.ts
	}
	return i.seq < o.seq
}

func (i *tsItem) Copy() btree.Item {
	c := *i
	return &c
}

// timeIndex is the per-table in-memory index backing timestamp
// resolution. Lookups descend from the pivot, so the latest snapshot
// at or before the instant is found in O(log n).
type timeIndex struct {
	tree *btree.BTree
}

func newTimeIndex() *timeIndex {
	return &timeIndex{tree: btree.New(8)}
}

func (idx *timeIndex) insert(ts int64, seq proto.Sequence) {
	idx.tree.ReplaceOrInsert(&tsItem{ts: ts, seq: seq})
}

func (idx *timeIndex) remove(ts int64, seq proto.Sequence) {
	idx.tree.Delete(&tsItem{ts: ts, seq: seq})
}

// latestAtOrBefore returns the highest (timestamp, sequence) pair with
// timestamp <= ts.
func (idx *timeIndex) latestAtOrBefore(ts int64) (proto.Sequence, bool) {
	var (
		found bool
		seq   proto.Sequence
	)
	pivot := &tsItem{ts: ts, seq: ^proto.Sequence(0)}
	idx.tree.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		it := item.(*tsItem)
		seq = it.seq
		found = true
		return false
	})
	return seq, found
}

func (idx *timeIndex) len() int {
	return idx.tree.Len()
}
