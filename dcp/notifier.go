package dcp

import (
	"fmt"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/transport"
)

// NotifierStream is a stateless producer-side relay: it transmits no
// data, it only tells the owning connection when mutations beyond the
// negotiated start seqno exist, so the connection can decide to open an
// ActiveStream.
type NotifierStream struct {
	stream

	producer ProducerConn
	notified bool // guarded by streamMu
}

var _ StreamHandle = (*NotifierStream)(nil)

func NewNotifierStream(producer ProducerConn, config c.Config, spec StreamSpec) *NotifierStream {
	s := &NotifierStream{producer: producer}
	s.init(spec.Name, spec.Flags, spec.Opaque, spec.Vbno,
		spec.StartSeqno, spec.EndSeqno, spec.VbUUID,
		spec.SnapStart, spec.SnapEnd)
	s.logPrefix = fmt.Sprintf("DCPN[%v ##%x vb:%d]",
		producer.Name(), spec.Opaque, spec.Vbno)
	logging.Infof("%v created notifier for seqnos beyond %d",
		s.logPrefix, spec.StartSeqno)
	return s
}

// Next always returns nil; a notifier carries no payload queue.
func (s *NotifierStream) Next() transport.Message {
	s.itemsReady.Set(false)
	return nil
}

// NotifySeqnoAvailable informs the connection once when unseen data
// exists past the stream's start seqno, then ends the stream.
func (s *NotifierStream) NotifySeqnoAvailable(seqno uint64) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() == StreamDead || s.notified {
		return
	}
	if seqno <= s.startSeqno {
		return
	}
	s.notified = true
	s.transitionLocked(StreamDead)
	logging.Infof("%v seqno %d available, notifying", s.logPrefix, seqno)
	s.producer.NotifyStreamReady(s.vbno)
}

// SetDead transitions directly to dead; idempotent.
func (s *NotifierStream) SetDead(status transport.EndStreamStatus) uint64 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	freed := s.clearLocked()
	if s.State() != StreamDead {
		s.transitionLocked(StreamDead)
		logging.Infof("%v notifier closed because %v", s.logPrefix, status)
	}
	return freed
}

func (s *NotifierStream) AddStats(sink StatsSink) {
	s.addBaseStats(sink)
}

func (s *NotifierStream) transitionLocked(to StreamState) {
	from := s.State()
	if from != StreamPending || to != StreamDead {
		s.invalidTransition(from, to)
		return
	}
	logging.Debugf("%v transitioning from %v to %v", s.logPrefix, from, to)
	s.setState(to)
}
