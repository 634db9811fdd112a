// Package backfill reads the persisted disk view of a vbucket and feeds
// it to active streams through the scheduler contract.
package backfill

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/transport"
)

// Store is the on-disk mutation log, one record per (vbucket, seqno).
// Keys sort by vbucket then seqno so a backfill is a single range scan.
type Store struct {
	db        *pebble.DB
	logPrefix string
}

func OpenStore(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	st := &Store{db: db, logPrefix: fmt.Sprintf("BKFL[%v]", dir)}
	logging.Infof("%v store opened", st.logPrefix)
	return st, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// encodeKey lays out vbno and seqno big-endian so byte order equals
// (vbno, seqno) order.
func encodeKey(vbno uint16, seqno uint64) []byte {
	key := make([]byte, 10)
	binary.BigEndian.PutUint16(key[0:2], vbno)
	binary.BigEndian.PutUint64(key[2:10], seqno)
	return key
}

func decodeKey(key []byte) (uint16, uint64) {
	return binary.BigEndian.Uint16(key[0:2]), binary.BigEndian.Uint64(key[2:10])
}

// upperBound is the exclusive pebble bound covering seqnos up to and
// including end for vbno; nil when the range runs to the end of the
// keyspace.
func upperBound(vbno uint16, end uint64) []byte {
	switch {
	case end < ^uint64(0):
		return encodeKey(vbno, end+1)
	case vbno < ^uint16(0):
		return encodeKey(vbno+1, 0)
	}
	return nil
}

// record layout:
//
//	op(2) flags(4) expiry(4) revSeqno(8) cas(8) keyLen(2) key value
const recordOverhead = 2 + 4 + 4 + 8 + 8 + 2

func encodeRecord(m *transport.Mutation) []byte {
	buf := make([]byte, recordOverhead+len(m.Key)+len(m.Value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Op))
	binary.BigEndian.PutUint32(buf[2:6], m.Flags)
	binary.BigEndian.PutUint32(buf[6:10], m.Expiry)
	binary.BigEndian.PutUint64(buf[10:18], m.RevSeqno)
	binary.BigEndian.PutUint64(buf[18:26], m.Cas)
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(m.Key)))
	n := copy(buf[recordOverhead:], m.Key)
	copy(buf[recordOverhead+n:], m.Value)
	return buf
}

func decodeRecord(vbno uint16, seqno uint64, buf []byte) (*transport.Mutation, error) {
	if len(buf) < recordOverhead {
		return nil, fmt.Errorf("backfill record too short: %d bytes", len(buf))
	}
	keyLen := int(binary.BigEndian.Uint16(buf[26:28]))
	if recordOverhead+keyLen > len(buf) {
		return nil, fmt.Errorf("backfill record key overruns: %d+%d > %d",
			recordOverhead, keyLen, len(buf))
	}
	m := &transport.Mutation{
		Op:       transport.Opcode(binary.BigEndian.Uint16(buf[0:2])),
		Vbno:     vbno,
		Seqno:    seqno,
		Flags:    binary.BigEndian.Uint32(buf[2:6]),
		Expiry:   binary.BigEndian.Uint32(buf[6:10]),
		RevSeqno: binary.BigEndian.Uint64(buf[10:18]),
		Cas:      binary.BigEndian.Uint64(buf[18:26]),
	}
	m.Key = append([]byte(nil), buf[recordOverhead:recordOverhead+keyLen]...)
	if rest := buf[recordOverhead+keyLen:]; len(rest) > 0 {
		m.Value = append([]byte(nil), rest...)
	}
	return m, nil
}

// Append persists one mutation at its seqno.
func (st *Store) Append(m *transport.Mutation) error {
	if m.Seqno == 0 {
		return fmt.Errorf("mutation without seqno for vb %d", m.Vbno)
	}
	return st.db.Set(encodeKey(m.Vbno, m.Seqno), encodeRecord(m), pebble.NoSync)
}

// Sync flushes appended mutations to stable storage.
func (st *Store) Sync() error {
	return st.db.Flush()
}

// HighSeqno returns the highest persisted seqno for a vbucket, zero when
// the vbucket has no records.
func (st *Store) HighSeqno(vbno uint16) (uint64, error) {
	iter, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(vbno, 0),
		UpperBound: upperBound(vbno, ^uint64(0)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	_, seqno := decodeKey(iter.Key())
	return seqno, nil
}

// Count returns the number of records in [start, end] for a vbucket.
func (st *Store) Count(vbno uint16, start, end uint64) (uint64, error) {
	var n uint64
	err := st.scan(context.Background(), vbno, start, end, false,
		func(_ []byte, _ []byte) (bool, error) {
			n++
			return true, nil
		})
	return n, err
}

// Scan visits persisted mutations of one vbucket in seqno order over
// [start, end]. The visitor returns false to stop early. Mutations are
// freshly decoded; the visitor owns them.
func (st *Store) Scan(ctx context.Context, vbno uint16, start, end uint64,
	visit func(*transport.Mutation) (bool, error)) error {

	return st.scan(ctx, vbno, start, end, true,
		func(key, value []byte) (bool, error) {
			_, seqno := decodeKey(key)
			m, err := decodeRecord(vbno, seqno, value)
			if err != nil {
				return false, err
			}
			return visit(m)
		})
}

func (st *Store) scan(ctx context.Context, vbno uint16, start, end uint64,
	values bool, visit func(key, value []byte) (bool, error)) error {

	if end < start {
		return fmt.Errorf("backfill range [%d,%d] inverted", start, end)
	}
	iter, err := st.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(vbno, start),
		UpperBound: upperBound(vbno, end),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var value []byte
		if values {
			value, err = iter.ValueAndErr()
			if err != nil {
				return err
			}
		}
		cont, err := visit(iter.Key(), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return iter.Error()
}
