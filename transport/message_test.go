package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotMarkerKind(t *testing.T) {
	m := &SnapshotMarker{Flags: MARKER_FLAG_MEMORY | MARKER_FLAG_CHK}
	require.Equal(t, SNAPSHOT_MEMORY, m.Kind())
	require.False(t, m.AckRequired())

	m = &SnapshotMarker{Flags: MARKER_FLAG_DISK | MARKER_FLAG_ACK}
	require.Equal(t, SNAPSHOT_DISK, m.Kind())
	require.True(t, m.AckRequired())
}

func TestMutationClone(t *testing.T) {
	m := &Mutation{
		Op:    OPCODE_MUTATION,
		Vbno:  3,
		Seqno: 42,
		Key:   []byte("k"),
		Value: []byte("v"),
	}
	clone := m.Clone()
	clone.Value[0] = 'x'
	clone.Seqno = 43
	require.Equal(t, []byte("v"), m.Value, "clone must not alias the original")
	require.Equal(t, uint64(42), m.Seqno)
}

func TestMutationIsDeletion(t *testing.T) {
	require.False(t, (&Mutation{Op: OPCODE_MUTATION}).IsDeletion())
	require.True(t, (&Mutation{Op: OPCODE_DELETION}).IsDeletion())
	require.True(t, (&Mutation{Op: OPCODE_EXPIRATION}).IsDeletion())
}

func TestMutationSizeTracksPayload(t *testing.T) {
	small := &Mutation{Key: []byte("k")}
	large := &Mutation{Key: []byte("k"), Value: make([]byte, 1024)}
	require.Equal(t, uint64(1024), large.Size()-small.Size())
}

func TestEndStreamStatusStrings(t *testing.T) {
	seen := map[string]bool{}
	for _, status := range []EndStreamStatus{
		END_STREAM_OK, END_STREAM_CLOSED, END_STREAM_STATE,
		END_STREAM_DISCONNECTED, END_STREAM_SLOW,
	} {
		s := status.String()
		require.NotEmpty(t, s)
		require.False(t, seen[s], "duplicate status string %q", s)
		seen[s] = true
	}
}
