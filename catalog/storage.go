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
	"encoding/binary"
	"encoding/json"

	apierrors "github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/common/kvstore"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/store"
)

var (
	tableKeyPrefix   = []byte("t")
	historyKeyPrefix = []byte("h")
	commitKeyPrefix  = []byte("c")
	keyInfix         = []byte("/")
)

func newStorage(s *store.Store) *storage {
	return &storage{
		kvStore: s.KVStore(),
		keys:    &keysGenerator{},
	}
}

// storage persists table records, the append-only history log and the
// commit-id index in the meta column family.
type storage struct {
	kvStore kvstore.Store
	keys    *keysGenerator
}

func (s *storage) GetTable(ctx context.Context, name proto.TableID, readOpt kvstore.ReadOption) (*proto.TableInfo, error) {
	raw, err := s.kvStore.GetRaw(ctx, store.MetaCF, s.keys.encodeTableKey(name), readOpt)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrTableDoesNotExist
		}
		return nil, err
	}
	info := &proto.TableInfo{}
	if err = json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *storage) PutTable(ctx context.Context, info *proto.TableInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.MetaCF, s.keys.encodeTableKey(info.Name), data, nil)
}

func (s *storage) ListTables(ctx context.Context, prefix proto.TableID, readOpt kvstore.ReadOption, fn func(*proto.TableInfo) error) error {
	lr := s.kvStore.List(ctx, store.MetaCF, s.keys.encodeTableKeyPrefix(prefix), nil, readOpt)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}
		info := &proto.TableInfo{}
		err = json.Unmarshal(vg.Value(), info)
		kg.Close()
		vg.Close()
		if err != nil {
			return err
		}
		if err = fn(info); err != nil {
			return err
		}
	}
}

// AppendSnapshot links one snapshot into the history atomically: the
// history record, the commit-id index entry and the advanced table
// record land in one batch.
func (s *storage) AppendSnapshot(ctx context.Context, info *proto.TableInfo, snap *proto.Snapshot) error {
	tableData, err := json.Marshal(info)
	if err != nil {
		return err
	}
	snapData, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Put(store.MetaCF, s.keys.encodeHistoryKey(snap.Table, snap.Seq), snapData)
	batch.Put(store.MetaCF, s.keys.encodeCommitKey(snap.Table, snap.CommitID), encodeSeq(snap.Seq))
	batch.Put(store.MetaCF, s.keys.encodeTableKey(info.Name), tableData)

	return s.kvStore.Write(ctx, batch, nil)
}

func (s *storage) GetSnapshot(ctx context.Context, table proto.TableID, seq proto.Sequence, readOpt kvstore.ReadOption) (*proto.Snapshot, error) {
	raw, err := s.kvStore.GetRaw(ctx, store.MetaCF, s.keys.encodeHistoryKey(table, seq), readOpt)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrSnapshotDoesNotExist
		}
		return nil, err
	}
	snap := &proto.Snapshot{}
	if err = json.Unmarshal(raw, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *storage) PutSnapshot(ctx context.Context, snap *proto.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.MetaCF, s.keys.encodeHistoryKey(snap.Table, snap.Seq), data, nil)
}

func (s *storage) GetSeqByCommit(ctx context.Context, table proto.TableID, commitID proto.CommitID, readOpt kvstore.ReadOption) (proto.Sequence, error) {
	raw, err := s.kvStore.GetRaw(ctx, store.MetaCF, s.keys.encodeCommitKey(table, commitID), readOpt)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, apierrors.ErrNoSuchCommit
		}
		return 0, err
	}
	return decodeSeq(raw), nil
}

func (s *storage) ListHistory(ctx context.Context, table proto.TableID, readOpt kvstore.ReadOption, fn func(*proto.Snapshot) error) error {
	iter := s.NewHistoryIter(ctx, table, readOpt)
	defer iter.Close()
	for {
		snap, err := iter.Next()
		if err != nil {
			return err
		}
		if snap == nil {
			return nil
		}
		if err = fn(snap); err != nil {
			return err
		}
	}
}

// NewHistoryIter iterates a table's snapshots oldest first (newest
// last); iteration is lazy so arbitrarily long histories stream in
// constant memory.
func (s *storage) NewHistoryIter(ctx context.Context, table proto.TableID, readOpt kvstore.ReadOption) *HistoryIter {
	lr := s.kvStore.List(ctx, store.MetaCF, s.keys.encodeHistoryKeyPrefix(table), nil, readOpt)
	return &HistoryIter{lr: lr}
}

type HistoryIter struct {
	lr kvstore.ListReader
}

// Next returns the following snapshot, or nil when the history is
// exhausted.
func (it *HistoryIter) Next() (*proto.Snapshot, error) {
	kg, vg, err := it.lr.ReadNext()
	if err != nil {
		return nil, err
	}
	if kg == nil || vg == nil {
		return nil, nil
	}
	snap := &proto.Snapshot{}
	err = json.Unmarshal(vg.Value(), snap)
	kg.Close()
	vg.Close()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Seek positions the iterator at the first snapshot with sequence >=
// seq, allowing restartable iteration.
func (it *HistoryIter) Seek(table proto.TableID, seq proto.Sequence) {
	keys := &keysGenerator{}
	it.lr.SeekTo(keys.encodeHistoryKey(table, seq))
}

func (it *HistoryIter) Close() {
	it.lr.Close()
}

// UnlinkSnapshot removes a purged snapshot's history record and commit
// index entry in one batch.
func (s *storage) UnlinkSnapshot(ctx context.Context, snap *proto.Snapshot) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Delete(store.MetaCF, s.keys.encodeHistoryKey(snap.Table, snap.Seq))
	batch.Delete(store.MetaCF, s.keys.encodeCommitKey(snap.Table, snap.CommitID))
	return s.kvStore.Write(ctx, batch, nil)
}

// RemoveTable erases a table record and its whole history.
func (s *storage) RemoveTable(ctx context.Context, name proto.TableID) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Delete(store.MetaCF, s.keys.encodeTableKey(name))
	batch.DeleteRange(store.MetaCF, s.keys.encodeHistoryKeyPrefix(name), prefixUpperBound(s.keys.encodeHistoryKeyPrefix(name)))
	batch.DeleteRange(store.MetaCF, s.keys.encodeCommitKeyPrefix(name), prefixUpperBound(s.keys.encodeCommitKeyPrefix(name)))
	return s.kvStore.Write(ctx, batch, nil)
}

type keysGenerator struct{}

func (k *keysGenerator) encodeTableKey(name proto.TableID) []byte {
	key := make([]byte, 0, len(tableKeyPrefix)+2*len(keyInfix)+len(name))
	key = append(key, tableKeyPrefix...)
	key = append(key, keyInfix...)
	key = append(key, name...)
	return key
}

func (k *keysGenerator) encodeTableKeyPrefix(prefix proto.TableID) []byte {
	key := make([]byte, 0, len(tableKeyPrefix)+len(keyInfix)+len(prefix))
	key = append(key, tableKeyPrefix...)
	key = append(key, keyInfix...)
	key = append(key, prefix...)
	return key
}

func (k *keysGenerator) encodeHistoryKey(table proto.TableID, seq proto.Sequence) []byte {
	key := k.encodeHistoryKeyPrefix(table)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

func (k *keysGenerator) encodeHistoryKeyPrefix(table proto.TableID) []byte {
	key := make([]byte, 0, len(historyKeyPrefix)+2*len(keyInfix)+len(table)+8)
	key = append(key, historyKeyPrefix...)
	key = append(key, keyInfix...)
	key = append(key, table...)
	key = append(key, keyInfix...)
	return key
}

func (k *keysGenerator) encodeCommitKey(table proto.TableID, commitID proto.CommitID) []byte {
	key := k.encodeCommitKeyPrefix(table)
	key = append(key, commitID...)
	return key
}

func (k *keysGenerator) encodeCommitKeyPrefix(table proto.TableID) []byte {
	key := make([]byte, 0, len(commitKeyPrefix)+2*len(keyInfix)+len(table))
	key = append(key, commitKeyPrefix...)
	key = append(key, keyInfix...)
	key = append(key, table...)
	key = append(key, keyInfix...)
	return key
}

func encodeSeq(seq proto.Sequence) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func decodeSeq(data []byte) proto.Sequence {
	return binary.BigEndian.Uint64(data)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return append(upper, 0xff)
}
