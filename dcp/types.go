// Package dcp implements the per-vbucket stream state machines of the
// replication subsystem: an ActiveStream and NotifierStream on the
// producer side and a PassiveStream on the consumer side. The package
// does not create threads of its own; the owning connection and the
// task executor call into streams concurrently.

package dcp

import (
	"errors"

	"github.com/couchbase/godcp/transport"
)

// StreamState is the lifecycle state shared by all stream roles.
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamBackfilling
	StreamInMemory
	StreamTakeoverSend
	StreamTakeoverWait
	StreamReading
	StreamDead
)

func (st StreamState) String() string {
	switch st {
	case StreamPending:
		return "pending"
	case StreamBackfilling:
		return "backfilling"
	case StreamInMemory:
		return "in-memory"
	case StreamTakeoverSend:
		return "takeover-send"
	case StreamTakeoverWait:
		return "takeover-wait"
	case StreamReading:
		return "reading"
	case StreamDead:
		return "dead"
	}
	return "unknown"
}

// Stream request flag bits, negotiated by the connection layer.
const (
	FlagTakeover uint32 = 0x01
	FlagDiskOnly uint32 = 0x02
	FlagLatest   uint32 = 0x04
	FlagKeyOnly  uint32 = 0x08
)

// ProcessResult of one PassiveStream drain invocation.
type ProcessResult int

const (
	AllProcessed ProcessResult = iota
	MoreToProcess
	CannotProcess
)

func (r ProcessResult) String() string {
	switch r {
	case AllProcessed:
		return "all_processed"
	case MoreToProcess:
		return "more_to_process"
	case CannotProcess:
		return "cannot_process"
	}
	return "unknown"
}

// BackfillSource tags a backfilled item with where the scan found it.
type BackfillSource int

const (
	BackfillFromMemory BackfillSource = iota
	BackfillFromDisk
)

// TakeoverAction decides what to do when the takeover ack wait expires.
type TakeoverAction int

const (
	// TakeoverAbort terminates the handover with END_STREAM_SLOW.
	TakeoverAbort TakeoverAction = iota
	// TakeoverRetry re-sends the vbucket state change message.
	TakeoverRetry
)

// TakeoverPolicy is consulted when no ack has arrived within the
// configured takeoverSendMaxTime. Injected, not hard-coded.
type TakeoverPolicy func(vbno uint16, retries int) TakeoverAction

// AbortOnTimeout is the default takeover policy.
func AbortOnTimeout(vbno uint16, retries int) TakeoverAction {
	return TakeoverAbort
}

// ErrorClosed by stream APIs after the stream has transitioned to dead.
var ErrorClosed = errors.New("dcp.closed")

// ErrorBufferFull when a passive stream's buffer has reached its
// configured byte or item cap. Backpressure, not a protocol failure.
var ErrorBufferFull = errors.New("dcp.bufferFull")

// ErrorTmpFail by a VBucket apply that should be retried later.
var ErrorTmpFail = errors.New("dcp.tmpFail")

// ErrorRange when an applied seqno falls outside the open snapshot
// window or does not advance past the last applied seqno.
var ErrorRange = errors.New("dcp.seqnoRange")

// ErrorInvalidState when an operation arrives in a state that cannot
// accept it.
var ErrorInvalidState = errors.New("dcp.invalidState")

// StatsSink consumes key/value pairs emitted by AddStats.
type StatsSink func(key, value string)

// ProducerConn is the producer-side connection owning active and
// notifier streams.
type ProducerConn interface {
	// Name of the connection, used in log prefixes.
	Name() string
	// NotifyStreamReady tells the connection the stream may have a
	// message ready; the connection decides when to call Next.
	NotifyStreamReady(vbno uint16)
	// CloseStream is invoked when a stream dies so the connection can
	// drop its handle.
	CloseStream(vbno uint16)
	// KeyOnly is true when mutation payloads carry no value.
	KeyOnly() bool
	// Codec compressing mutation values, nil for none.
	Codec() *transport.Codec
}

// ConsumerConn is the consumer-side connection owning passive streams.
type ConsumerConn interface {
	Name() string
	// NotifyStreamReady tells the connection the stream queued an
	// outbound control message (ack, stream request).
	NotifyStreamReady(vbno uint16)
	CloseStream(vbno uint16)
}

// VBucket is the storage-engine face of one hash partition.
type VBucket interface {
	ID() uint16
	UUID() uint64
	HighSeqno() uint64
	State() transport.VbState
	SetState(state transport.VbState) error
	// ApplyMutation and ApplyDeletion may return ErrorTmpFail when the
	// engine is transiently unable to accept the write.
	ApplyMutation(m *transport.Mutation) error
	ApplyDeletion(m *transport.Mutation) error
}

// CheckpointCursor yields in-memory mutations in increasing seqno order.
type CheckpointCursor interface {
	// NextBatch returns up to max mutations past the cursor position,
	// empty when caught up.
	NextBatch(max int) []*transport.Mutation
	// HighSeqno visible to the cursor.
	HighSeqno() uint64
}

// BackfillScheduler submits disk scans on behalf of active streams. The
// scheduler guarantees eventual single invocation of the scan and exactly
// one CompleteBackfill per submission. Cancellation on stream death is
// best-effort; late BackfillReceived callbacks are dropped by the stream.
type BackfillScheduler interface {
	ScheduleBackfill(stream *ActiveStream, start, end uint64) error
	CancelBackfill(vbno uint16)
}
