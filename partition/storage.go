package partition

import (
	"encoding/binary"
	"strconv"

	"github.com/glacierdb/glacierdb/proto"
)

var (
	blobKeyPrefix = []byte("p")
	metaKeyPrefix = []byte("pm")
	keyInfix      = []byte("/")
)

type keysGenerator struct{}

func (k *keysGenerator) encodeBlobKey(id proto.PartitionID) []byte {
	key := make([]byte, 0, len(blobKeyPrefix)+len(keyInfix)+8)
	key = append(key, blobKeyPrefix...)
	key = append(key, keyInfix...)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func (k *keysGenerator) encodeMetaKey(id proto.PartitionID) []byte {
	key := make([]byte, 0, len(metaKeyPrefix)+len(keyInfix)+8)
	key = append(key, metaKeyPrefix...)
	key = append(key, keyInfix...)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func (k *keysGenerator) metaKeyPrefix() []byte {
	prefix := make([]byte, 0, len(metaKeyPrefix)+len(keyInfix))
	prefix = append(prefix, metaKeyPrefix...)
	prefix = append(prefix, keyInfix...)
	return prefix
}

func (k *keysGenerator) flightKey(id proto.PartitionID) string {
	return strconv.FormatUint(id, 16)
}
