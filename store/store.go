package store

import (
	"context"

	"github.com/glacierdb/glacierdb/common/kvstore"
)

// Column families: partition blobs live apart from table metadata so
// the sweep can range-scan either side without touching the other.
const (
	DataCF = kvstore.CF("data")
	MetaCF = kvstore.CF("meta")
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

type Store struct {
	kvStore kvstore.Store

	cfg *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = []kvstore.CF{DataCF, MetaCF}
	// partition blobs are synced explicitly by the partition store;
	// metadata commits ride the WAL
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	return &Store{
		kvStore: kvStore,
		cfg:     cfg,
	}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kvStore.Stats(ctx)
}

func (s *Store) Close() {
	s.kvStore.Close()
}
