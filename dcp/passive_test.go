package dcp

import (
	"sync"
	"testing"

	"github.com/couchbase/godcp/transport"
	"github.com/stretchr/testify/require"
)

func newPassive(t *testing.T, overrides map[string]interface{},
	spec StreamSpec) (*PassiveStream, *testConn, *testVBucket) {

	t.Helper()
	consumer := &testConn{name: "cons"}
	vb := newTestVBucket(spec.Vbno, transport.VB_STATE_REPLICA)
	s := NewPassiveStream(consumer, vb, nil, testConfig(t, overrides), spec)
	return s, consumer, vb
}

func accept(t *testing.T, s *PassiveStream) {
	t.Helper()
	s.AcceptStream(0, s.Opaque())
	require.Equal(t, StreamReading, s.State())
	resp, ok := s.Next().(*transport.AddStreamResponse)
	require.True(t, ok)
	require.Equal(t, uint16(0), resp.Status)
}

func marker(vbno uint16, start, end uint64, flags uint32) *transport.SnapshotMarker {
	return &transport.SnapshotMarker{
		Vbno:  vbno,
		Start: start,
		End:   end,
		Flags: flags,
	}
}

// A [10,20] memory window drained in batches of 5 takes three drains:
// two partial, one final, with every seqno applied in order.
func TestPassiveStreamBatchedDrain(t *testing.T) {
	overrides := map[string]interface{}{"dcp.consumer.batchSize": 5}
	spec := StreamSpec{Name: "s", Vbno: 4, StartSeqno: 9, EndSeqno: 0}
	s, _, vb := newPassive(t, overrides, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(
		marker(4, 10, 20, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(10); seqno <= 20; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(4, seqno)))
	}
	require.Equal(t, uint64(12), s.BufferedItems())

	_, result := s.ProcessBufferedMessages()
	require.Equal(t, MoreToProcess, result)
	_, result = s.ProcessBufferedMessages()
	require.Equal(t, MoreToProcess, result)
	processed, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.NotZero(t, processed)

	require.Equal(t, uint64(20), s.LastSeqno())
	require.Zero(t, s.BufferedItems())
	require.Zero(t, s.BufferedBytes())

	var want []uint64
	for seqno := uint64(10); seqno <= 20; seqno++ {
		want = append(want, seqno)
	}
	require.Equal(t, want, vb.appliedSeqnos())
}

func TestPassiveStreamAckedSnapshot(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 2, EndSeqno: 0}
	s, consumer, _ := newPassive(t, nil, spec)
	accept(t, s)
	notified := consumer.notifyCount()

	flags := transport.MARKER_FLAG_MEMORY | transport.MARKER_FLAG_ACK
	require.NoError(t, s.MessageReceived(marker(2, 1, 3, flags)))
	for seqno := uint64(1); seqno <= 3; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(2, seqno)))
	}
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)

	// the window closed, so exactly one ack goes out
	require.Greater(t, consumer.notifyCount(), notified)
	_, ok := s.Next().(*transport.SnapshotMarkerAck)
	require.True(t, ok)
	require.Nil(t, s.Next())
}

func TestPassiveStreamMutationWithoutWindowDies(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 1, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(mkMutation(1, 5)))
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)

	require.Equal(t, StreamDead, s.State())
	require.Empty(t, vb.appliedSeqnos(), "violating mutation must not be applied")
}

func TestPassiveStreamSeqnoOutsideWindowDies(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 1, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(1, 1, 5, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(1, 9)))
	s.ProcessBufferedMessages()

	require.Equal(t, StreamDead, s.State())
	require.Empty(t, vb.appliedSeqnos())
}

func TestPassiveStreamNonMonotonicSeqnoDies(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 1, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(1, 1, 5, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(1, 2)))
	require.NoError(t, s.MessageReceived(mkMutation(1, 2)))
	s.ProcessBufferedMessages()

	require.Equal(t, StreamDead, s.State())
	// the first apply landed, the replay did not
	require.Equal(t, []uint64{2}, vb.appliedSeqnos())
}

func TestPassiveStreamStaleMarkerDies(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 1, StartSeqno: 10, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(1, 1, 5, transport.MARKER_FLAG_MEMORY)))
	s.ProcessBufferedMessages()
	require.Equal(t, StreamDead, s.State())
}

func TestPassiveStreamBufferCaps(t *testing.T) {
	overrides := map[string]interface{}{"dcp.consumer.bufferItems": 3}
	spec := StreamSpec{Name: "s", Vbno: 6, EndSeqno: 0}
	s, _, _ := newPassive(t, overrides, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(6, 1, 10, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(6, 1)))
	require.NoError(t, s.MessageReceived(mkMutation(6, 2)))
	require.ErrorIs(t, s.MessageReceived(mkMutation(6, 3)), ErrorBufferFull)

	// draining restores capacity
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.NoError(t, s.MessageReceived(mkMutation(6, 3)))
}

func TestPassiveStreamTmpFailRetries(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 3, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)
	vb.failApplies = 1

	require.NoError(t, s.MessageReceived(marker(3, 1, 2, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(3, 1)))
	require.NoError(t, s.MessageReceived(mkMutation(3, 2)))

	_, result := s.ProcessBufferedMessages()
	require.Equal(t, CannotProcess, result)
	require.Equal(t, StreamReading, s.State(), "transient failure must not kill the stream")
	// the failed mutation is retained for retry
	require.Equal(t, uint64(2), s.BufferedItems())

	_, result = s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.Equal(t, []uint64{1, 2}, vb.appliedSeqnos())
	require.Equal(t, uint64(2), s.LastSeqno())
}

func TestPassiveStreamSetVBucketState(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 5, EndSeqno: 0}
	s, consumer, vb := newPassive(t, nil, spec)
	accept(t, s)
	notified := consumer.notifyCount()

	require.NoError(t, s.MessageReceived(&transport.SetVBucketState{
		Vbno:  5,
		State: transport.VB_STATE_ACTIVE,
	}))
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)

	require.Equal(t, transport.VB_STATE_ACTIVE, vb.State())
	require.Greater(t, consumer.notifyCount(), notified)
	_, ok := s.Next().(*transport.SetVBucketStateAck)
	require.True(t, ok)
}

func TestPassiveStreamStreamEnd(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 5, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(&transport.StreamEnd{
		Vbno:   5,
		Status: transport.END_STREAM_OK,
	}))
	s.ProcessBufferedMessages()
	require.Equal(t, StreamDead, s.State())
	require.ErrorIs(t, s.MessageReceived(mkMutation(5, 1)), ErrorClosed)
}

func TestPassiveStreamAcceptRejected(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 5, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	s.AcceptStream(0x23, s.Opaque()) // rollback, not success
	require.Equal(t, StreamDead, s.State())
}

func TestPassiveStreamReconnect(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 7, StartSeqno: 0, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(7, 1, 5, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(1); seqno <= 5; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(7, seqno)))
	}
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)

	s.ReconnectStream(vb, 0xfeed, 0)
	require.Equal(t, StreamPending, s.State())
	req, ok := s.Next().(*transport.StreamRequest)
	require.True(t, ok)
	require.Equal(t, uint32(0xfeed), req.Opaque)
	// the resume point never regresses behind applied data
	require.Equal(t, uint64(5), req.StartSeq)

	accept(t, s)
	require.NoError(t, s.MessageReceived(marker(7, 6, 6, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(7, 6)))
	_, result = s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.Equal(t, uint64(6), s.LastSeqno())
}

func TestPassiveStreamSetDeadDropsBuffer(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 8, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(8, 1, 10, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(1); seqno <= 10; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(8, seqno)))
	}
	buffered := s.BufferedBytes()
	require.NotZero(t, buffered)

	freed := s.SetDead(transport.END_STREAM_DISCONNECTED)
	require.Equal(t, buffered, freed)
	require.Zero(t, s.BufferedBytes())
	require.Zero(t, s.BufferedItems())
	require.Zero(t, s.ReadyQueueMemory())
	require.Empty(t, vb.appliedSeqnos())

	// idempotent
	require.Zero(t, s.SetDead(transport.END_STREAM_DISCONNECTED))
	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
}

func TestPassiveStreamSetDeadConcurrent(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 8, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	accept(t, s)
	require.NoError(t, s.MessageReceived(marker(8, 1, 4, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(1); seqno <= 4; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(8, seqno)))
	}
	buffered := s.BufferedBytes()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var totalFreed uint64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			freed := s.SetDead(transport.END_STREAM_CLOSED)
			mu.Lock()
			totalFreed += freed
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, buffered, totalFreed)
	require.Zero(t, s.BufferedBytes())
}

func TestPassiveStreamCompressedValues(t *testing.T) {
	codec, err := transport.NewCodec(transport.CompressionLZ4)
	require.NoError(t, err)

	spec := StreamSpec{Name: "s", Vbno: 2, EndSeqno: 0}
	s, _, vb := newPassive(t, nil, spec)
	accept(t, s)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	compressed, err := codec.Compress(plain)
	require.NoError(t, err)

	require.NoError(t, s.MessageReceived(marker(2, 1, 1, transport.MARKER_FLAG_MEMORY)))
	m := mkMutation(2, 1)
	m.Value = compressed
	m.Compression = transport.CompressionLZ4
	require.NoError(t, s.MessageReceived(m))

	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.Equal(t, []uint64{1}, vb.appliedSeqnos())
}

func TestPassiveStreamArenaAccounting(t *testing.T) {
	arena := transport.NewBodyArena(64, 4096, 0)
	consumer := &testConn{name: "cons"}
	vb := newTestVBucket(3, transport.VB_STATE_REPLICA)
	spec := StreamSpec{Name: "s", Vbno: 3, EndSeqno: 0}
	s := NewPassiveStream(consumer, vb, arena, testConfig(t, nil), spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(3, 1, 4, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(1); seqno <= 4; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(3, seqno)))
	}
	require.NotZero(t, arena.Allocated(), "buffered bodies live in the arena")

	_, result := s.ProcessBufferedMessages()
	require.Equal(t, AllProcessed, result)
	require.Zero(t, arena.Allocated(), "applied bodies return to the arena")
	require.Equal(t, []uint64{1, 2, 3, 4}, vb.appliedSeqnos())
}

func TestPassiveStreamArenaReleasedOnDeath(t *testing.T) {
	arena := transport.NewBodyArena(64, 4096, 0)
	consumer := &testConn{name: "cons"}
	spec := StreamSpec{Name: "s", Vbno: 3, EndSeqno: 0}
	s := NewPassiveStream(consumer, newTestVBucket(3, transport.VB_STATE_REPLICA),
		arena, testConfig(t, nil), spec)
	accept(t, s)

	require.NoError(t, s.MessageReceived(marker(3, 1, 4, transport.MARKER_FLAG_MEMORY)))
	for seqno := uint64(1); seqno <= 4; seqno++ {
		require.NoError(t, s.MessageReceived(mkMutation(3, seqno)))
	}
	s.SetDead(transport.END_STREAM_DISCONNECTED)
	require.Zero(t, arena.Allocated())
}

func TestPassiveStreamStats(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 9, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	accept(t, s)
	require.NoError(t, s.MessageReceived(marker(9, 1, 2, transport.MARKER_FLAG_MEMORY)))
	require.NoError(t, s.MessageReceived(mkMutation(9, 1)))
	s.ProcessBufferedMessages()

	kv := map[string]string{}
	s.AddStats(func(key, value string) { kv[key] = value })
	require.Equal(t, "1", kv["vb_9:last_received_seqno"])
	require.Equal(t, "memory", kv["vb_9:cur_snapshot_type"])
	require.Equal(t, "reading", kv["vb_9:state"])
}

// A receive racing teardown must never strand accounted bytes on a dead
// stream: whatever the interleaving, accounting converges to zero.
func TestPassiveStreamReceiveRacesTeardown(t *testing.T) {
	spec := StreamSpec{Name: "s", Vbno: 5, EndSeqno: 0}
	s, _, _ := newPassive(t, nil, spec)
	accept(t, s)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < 100; i++ {
				s.MessageReceived(mkMutation(5, uint64(g*100+i+1)))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		s.SetDead(transport.END_STREAM_DISCONNECTED)
	}()
	close(start)
	wg.Wait()

	require.Zero(t, s.BufferedBytes())
	require.Zero(t, s.BufferedItems())
	require.ErrorIs(t, s.MessageReceived(mkMutation(5, 1)), ErrorClosed)
}
