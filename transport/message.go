// Message model for per-vbucket stream traffic. These are the in-core
// handles exchanged between streams and the connection layer; byte-level
// framing of them on the wire belongs to the transport owner.

package transport

// Opcode identifies the kind of a stream message.
type Opcode uint8

const (
	OPCODE_MUTATION Opcode = iota + 1
	OPCODE_DELETION
	OPCODE_EXPIRATION
	OPCODE_SNAPSHOT
	OPCODE_SET_VBUCKET
	OPCODE_STREAMEND
	OPCODE_STREAMREQ
	OPCODE_SNAPSHOT_ACK
	OPCODE_SET_VBUCKET_ACK
	OPCODE_ADDSTREAM_RESP
)

func (op Opcode) String() string {
	switch op {
	case OPCODE_MUTATION:
		return "MUTATION"
	case OPCODE_DELETION:
		return "DELETION"
	case OPCODE_EXPIRATION:
		return "EXPIRATION"
	case OPCODE_SNAPSHOT:
		return "SNAPSHOT"
	case OPCODE_SET_VBUCKET:
		return "SET_VBUCKET"
	case OPCODE_STREAMEND:
		return "STREAMEND"
	case OPCODE_STREAMREQ:
		return "STREAMREQ"
	case OPCODE_SNAPSHOT_ACK:
		return "SNAPSHOT_ACK"
	case OPCODE_SET_VBUCKET_ACK:
		return "SET_VBUCKET_ACK"
	case OPCODE_ADDSTREAM_RESP:
		return "ADDSTREAM_RESP"
	}
	return "UNKNOWN"
}

// EndStreamStatus is the peer visible reason for stream termination.
type EndStreamStatus uint32

const (
	//! The stream ended due to all items being streamed
	END_STREAM_OK EndStreamStatus = iota
	//! The stream closed early due to a close stream message
	END_STREAM_CLOSED
	//! The stream closed early because the vbucket state changed
	END_STREAM_STATE
	//! The stream closed early because the connection was disconnected
	END_STREAM_DISCONNECTED
	//! The stream was closed early because it was too slow
	END_STREAM_SLOW
)

func (status EndStreamStatus) String() string {
	switch status {
	case END_STREAM_OK:
		return "The stream ended due to all items being streamed"
	case END_STREAM_CLOSED:
		return "The stream closed early due to a close stream message"
	case END_STREAM_STATE:
		return "The stream closed early because the vbucket state changed"
	case END_STREAM_DISCONNECTED:
		return "The stream closed early because the conn was disconnected"
	case END_STREAM_SLOW:
		return "The stream was closed early because it was too slow"
	}
	return "Status unknown"
}

// SnapshotKind tags a snapshot window with its source.
type SnapshotKind uint8

const (
	SNAPSHOT_NONE SnapshotKind = iota
	SNAPSHOT_DISK
	SNAPSHOT_MEMORY
)

func (kind SnapshotKind) String() string {
	switch kind {
	case SNAPSHOT_DISK:
		return "disk"
	case SNAPSHOT_MEMORY:
		return "memory"
	}
	return "none"
}

// Snapshot marker flag bits.
const (
	MARKER_FLAG_MEMORY uint32 = 0x01
	MARKER_FLAG_DISK   uint32 = 0x02
	MARKER_FLAG_CHK    uint32 = 0x04
	MARKER_FLAG_ACK    uint32 = 0x08
)

// VbState of a vbucket, exchanged during takeover.
type VbState uint8

const (
	VB_STATE_ACTIVE VbState = iota + 1
	VB_STATE_REPLICA
	VB_STATE_PENDING
	VB_STATE_DEAD
)

func (s VbState) String() string {
	switch s {
	case VB_STATE_ACTIVE:
		return "active"
	case VB_STATE_REPLICA:
		return "replica"
	case VB_STATE_PENDING:
		return "pending"
	case VB_STATE_DEAD:
		return "dead"
	}
	return "unknown"
}

// Message is a single outbound or inbound stream protocol message.
type Message interface {
	Opcode() Opcode
	VBucket() uint16
	// Size is the accounted byte footprint of the message, used for
	// ready-queue and buffer memory book-keeping.
	Size() uint64
}

const mutationOverhead = 24 // header + extras equivalent

// Mutation is a document mutation, deletion or expiration, identified by
// its opcode.
type Mutation struct {
	Op       Opcode
	Vbno     uint16
	Opaque   uint32
	Seqno    uint64
	RevSeqno uint64
	Cas      uint64
	Flags    uint32
	Expiry   uint32
	Key      []byte
	Value    []byte
	// Ctrl bits negotiated on the owning connection.
	Compression byte
}

func (m *Mutation) Opcode() Opcode  { return m.Op }
func (m *Mutation) VBucket() uint16 { return m.Vbno }

func (m *Mutation) Size() uint64 {
	return uint64(len(m.Key) + len(m.Value) + mutationOverhead)
}

// IsDeletion returns true for deletions and expirations.
func (m *Mutation) IsDeletion() bool {
	return m.Op == OPCODE_DELETION || m.Op == OPCODE_EXPIRATION
}

// Clone copies the mutation and its payload slices, so the clone can be
// handed to another owner without aliasing source buffers.
func (m *Mutation) Clone() *Mutation {
	clone := *m
	if m.Key != nil {
		clone.Key = append([]byte(nil), m.Key...)
	}
	if m.Value != nil {
		clone.Value = append([]byte(nil), m.Value...)
	}
	return &clone
}

// SnapshotMarker brackets a window of mutations.
type SnapshotMarker struct {
	Vbno   uint16
	Opaque uint32
	Start  uint64
	End    uint64
	Flags  uint32
}

func (m *SnapshotMarker) Opcode() Opcode  { return OPCODE_SNAPSHOT }
func (m *SnapshotMarker) VBucket() uint16 { return m.Vbno }
func (m *SnapshotMarker) Size() uint64    { return 44 }

// Kind of the snapshot window announced by the marker.
func (m *SnapshotMarker) Kind() SnapshotKind {
	if m.Flags&MARKER_FLAG_DISK != 0 {
		return SNAPSHOT_DISK
	}
	return SNAPSHOT_MEMORY
}

// AckRequired reports whether the consumer owes a marker ack.
func (m *SnapshotMarker) AckRequired() bool {
	return m.Flags&MARKER_FLAG_ACK != 0
}

// SetVBucketState asks the peer to move its vbucket to a new state; used
// by the takeover handshake.
type SetVBucketState struct {
	Vbno   uint16
	Opaque uint32
	State  VbState
}

func (m *SetVBucketState) Opcode() Opcode  { return OPCODE_SET_VBUCKET }
func (m *SetVBucketState) VBucket() uint16 { return m.Vbno }
func (m *SetVBucketState) Size() uint64    { return 25 }

// StreamEnd terminates a stream with a status.
type StreamEnd struct {
	Vbno   uint16
	Opaque uint32
	Status EndStreamStatus
}

func (m *StreamEnd) Opcode() Opcode  { return OPCODE_STREAMEND }
func (m *StreamEnd) VBucket() uint16 { return m.Vbno }
func (m *StreamEnd) Size() uint64    { return 28 }

// StreamRequest is the consumer's stream (re)negotiation message.
type StreamRequest struct {
	Vbno      uint16
	Opaque    uint32
	Flags     uint32
	VbUUID    uint64
	StartSeq  uint64
	EndSeq    uint64
	SnapStart uint64
	SnapEnd   uint64
}

func (m *StreamRequest) Opcode() Opcode  { return OPCODE_STREAMREQ }
func (m *StreamRequest) VBucket() uint16 { return m.Vbno }
func (m *StreamRequest) Size() uint64    { return 72 }

// SnapshotMarkerAck acknowledges a marker that carried the ack flag.
type SnapshotMarkerAck struct {
	Vbno   uint16
	Opaque uint32
}

func (m *SnapshotMarkerAck) Opcode() Opcode  { return OPCODE_SNAPSHOT_ACK }
func (m *SnapshotMarkerAck) VBucket() uint16 { return m.Vbno }
func (m *SnapshotMarkerAck) Size() uint64    { return 24 }

// SetVBucketStateAck acknowledges a takeover state change.
type SetVBucketStateAck struct {
	Vbno   uint16
	Opaque uint32
}

func (m *SetVBucketStateAck) Opcode() Opcode  { return OPCODE_SET_VBUCKET_ACK }
func (m *SetVBucketStateAck) VBucket() uint16 { return m.Vbno }
func (m *SetVBucketStateAck) Size() uint64    { return 24 }

// AddStreamResponse completes consumer side stream negotiation.
type AddStreamResponse struct {
	Vbno   uint16
	Opaque uint32
	Status uint16
}

func (m *AddStreamResponse) Opcode() Opcode  { return OPCODE_ADDSTREAM_RESP }
func (m *AddStreamResponse) VBucket() uint16 { return m.Vbno }
func (m *AddStreamResponse) Size() uint64    { return 26 }
