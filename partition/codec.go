package partition

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/glacierdb/glacierdb/errors"
	"github.com/glacierdb/glacierdb/proto"
	"github.com/glacierdb/glacierdb/util"
)

// Canonical partition encoding: uvarint row count, then per row a
// uvarint column count followed by length-prefixed datums. The content
// id is the xxhash64 of this encoding, so identical row sets always
// produce identical partition ids.

func encodeRows(rows []proto.Row) []byte {
	size := binary.MaxVarintLen64
	for _, r := range rows {
		size += binary.MaxVarintLen64
		for _, d := range r {
			size += binary.MaxVarintLen64 + len(d)
		}
	}

	buf := util.GetBufferWriter(size)
	defer util.PutBufferWriter(buf)

	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}

	putUvarint(uint64(len(rows)))
	for _, r := range rows {
		putUvarint(uint64(len(r)))
		for _, d := range r {
			putUvarint(uint64(len(d)))
			buf.Write(d)
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func decodeRows(data []byte) ([]proto.Row, error) {
	rd := bytes.NewReader(data)

	rowCount, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, errors.ErrInvalidArgument
	}
	rows := make([]proto.Row, 0, rowCount)
	for i := uint64(0); i < rowCount; i++ {
		colCount, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, errors.ErrInvalidArgument
		}
		row := make(proto.Row, 0, colCount)
		for j := uint64(0); j < colCount; j++ {
			n, err := binary.ReadUvarint(rd)
			if err != nil || n > uint64(rd.Len()) {
				return nil, errors.ErrInvalidArgument
			}
			d := make([]byte, n)
			if _, err := rd.Read(d); err != nil {
				return nil, errors.ErrInvalidArgument
			}
			row = append(row, d)
		}
		rows = append(rows, row)
	}
	if rd.Len() != 0 {
		return nil, errors.ErrInvalidArgument
	}
	return rows, nil
}

func contentID(encoded []byte) proto.PartitionID {
	return xxhash.Sum64(encoded)
}

// clusterStats computes bytewise min/max of the clustering columns
// across every row.
func clusterStats(rows []proto.Row, clusterKey []int) []proto.ColumnStats {
	if len(clusterKey) == 0 || len(rows) == 0 {
		return nil
	}
	stats := make([]proto.ColumnStats, 0, len(clusterKey))
	for _, col := range clusterKey {
		st := proto.ColumnStats{Column: col}
		for _, r := range rows {
			if col >= len(r) {
				continue
			}
			d := r[col]
			if st.Min == nil || bytes.Compare(d, st.Min) < 0 {
				st.Min = append([]byte(nil), d...)
			}
			if st.Max == nil || bytes.Compare(d, st.Max) > 0 {
				st.Max = append([]byte(nil), d...)
			}
		}
		stats = append(stats, st)
	}
	return stats
}
