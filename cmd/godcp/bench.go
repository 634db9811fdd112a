package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/couchbase/godcp/backfill"
	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/dcp"
	"github.com/couchbase/godcp/executor"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/transport"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	vbuckets    int
	items       int
	diskItems   int
	valueSize   int
	compression string
	takeover    bool
	dir         string
}

func newBenchCommand() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "stream synthetic mutations from producer to consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(confHolder.Load(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.vbuckets, "vbuckets", 8, "vbuckets to stream")
	cmd.Flags().IntVar(&opts.items, "items", 100000, "mutations per vbucket")
	cmd.Flags().IntVar(&opts.diskItems, "disk-items", 50000,
		"mutations served from the backfill store (rest from memory)")
	cmd.Flags().IntVar(&opts.valueSize, "value-size", 256, "value bytes")
	cmd.Flags().StringVar(&opts.compression, "compression", "none",
		"none, snappy, lz4 or zstd")
	cmd.Flags().BoolVar(&opts.takeover, "takeover", false,
		"run the takeover handshake at end of stream")
	cmd.Flags().StringVar(&opts.dir, "dir", "",
		"backfill store directory (default: a temp dir)")
	return cmd
}

func runBench(config c.Config, opts benchOptions) error {
	if opts.diskItems > opts.items {
		opts.diskItems = opts.items
	}
	dir := opts.dir
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "godcp-bench"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}

	store, err := backfill.OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	// the negotiated flags word a real connection would carry
	tflags := transport.TransportFlag(0).SetCompression(
		transport.CompressionByName(opts.compression))
	codec, err := transport.NewCodec(tflags.GetCompression())
	if err != nil {
		return err
	}

	exec := executor.New("bench", config["dcp.executor.workers"].Int())
	defer exec.Stop()
	manager := backfill.NewManager(store, exec, config)

	logging.Infof("BNCH[] seeding %d vbuckets, %d disk + %d memory items each",
		opts.vbuckets, opts.diskItems, opts.items-opts.diskItems)
	for vbno := 0; vbno < opts.vbuckets; vbno++ {
		if err := seedStore(store, uint16(vbno), opts); err != nil {
			return err
		}
	}
	if err := store.Sync(); err != nil {
		return err
	}

	start := time.Now()
	var wg sync.WaitGroup
	results := make([]*vbResult, opts.vbuckets)
	for vbno := 0; vbno < opts.vbuckets; vbno++ {
		wg.Add(1)
		go func(vbno uint16) {
			defer wg.Done()
			results[vbno] = streamVbucket(vbno, config, manager, codec, opts)
		}(uint16(vbno))
	}
	wg.Wait()
	elapsed := time.Since(start)

	var items, bytes uint64
	for _, r := range results {
		if r.err != nil {
			return r.err
		}
		items += r.items
		bytes += r.bytes
	}
	stats, err := c.NewStatistics(nil)
	if err != nil {
		return err
	}
	stats.Set("vbuckets", opts.vbuckets)
	stats.Set("items", items)
	stats.Set("bytes", bytes)
	stats.Set("elapsed", elapsed.String())
	stats.Set("items_per_sec", uint64(float64(items)/elapsed.Seconds()))
	scans, scanMean := manager.ScanStats()
	stats.Set("backfill_scans", scans)
	stats.Set("backfill_scan_mean", scanMean.String())
	data, err := stats.Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func seedStore(store *backfill.Store, vbno uint16, opts benchOptions) error {
	value := randomValue(opts.valueSize)
	for seqno := 1; seqno <= opts.diskItems; seqno++ {
		m := &transport.Mutation{
			Op:    transport.OPCODE_MUTATION,
			Vbno:  vbno,
			Seqno: uint64(seqno),
			Key:   []byte(fmt.Sprintf("key-%d-%08d", vbno, seqno)),
			Value: value,
		}
		if err := store.Append(m); err != nil {
			return err
		}
	}
	return nil
}

type vbResult struct {
	items uint64
	bytes uint64
	err   error
}

// streamVbucket runs one producer/consumer pair to completion.
func streamVbucket(vbno uint16, config c.Config, manager *backfill.Manager,
	codec *transport.Codec, opts benchOptions) *vbResult {

	producer := newBenchConn(fmt.Sprintf("prod-%d", vbno), codec)
	consumer := newBenchConn(fmt.Sprintf("cons-%d", vbno), nil)
	defer producer.CloseStream(vbno)
	defer consumer.CloseStream(vbno)
	cursor := newBenchCursor(vbno, uint64(opts.diskItems), uint64(opts.items),
		opts.valueSize)
	vb := newBenchVBucket(vbno, transport.VB_STATE_ACTIVE)

	flags := uint32(0)
	if opts.takeover {
		flags = dcp.FlagTakeover
	}
	spec := dcp.StreamSpec{
		Name:       "bench",
		Flags:      flags,
		Opaque:     uint32(vbno) + 1,
		Vbno:       vbno,
		StartSeqno: 0,
		EndSeqno:   uint64(opts.items),
	}
	active := dcp.NewActiveStream(producer, vb, cursor, manager,
		dcp.AbortOnTimeout, config, spec)
	arena := transport.NewBodyArena(
		config["dcp.consumer.arena.startChunkSize"].Int(),
		config["dcp.consumer.arena.slabSize"].Int(),
		0)
	passive := dcp.NewPassiveStream(consumer, newBenchVBucket(vbno,
		transport.VB_STATE_REPLICA), arena, config, spec)
	passive.AcceptStream(0, spec.Opaque)

	active.SetActive()

	result := &vbResult{}
	deadline := time.After(2 * time.Minute)
	for {
		for {
			msg := active.Next()
			if msg == nil {
				break
			}
			if m, ok := msg.(*transport.Mutation); ok {
				result.items++
				result.bytes += m.Size()
			}
			if err := passive.MessageReceived(msg); err != nil {
				// bench consumer never stalls its reader, treat as fatal
				result.err = fmt.Errorf("vb %d receive: %w", vbno, err)
				active.SetDead(transport.END_STREAM_DISCONNECTED)
				passive.SetDead(transport.END_STREAM_DISCONNECTED)
				return result
			}
			drainPassive(passive, active)
		}
		drainPassive(passive, active)

		if !active.IsActive() && passive.BufferedItems() == 0 {
			break
		}
		select {
		case <-producer.ready:
		case <-deadline:
			result.err = fmt.Errorf("vb %d stalled in %v after %d items",
				vbno, active.State(), result.items)
			active.SetDead(transport.END_STREAM_DISCONNECTED)
			passive.SetDead(transport.END_STREAM_DISCONNECTED)
			return result
		}
	}
	passive.SetDead(transport.END_STREAM_OK)
	return result
}

// drainPassive applies buffered messages and routes outbound acks back
// to the active stream.
func drainPassive(passive *dcp.PassiveStream, active *dcp.ActiveStream) {
	for {
		_, result := passive.ProcessBufferedMessages()
		for {
			msg := passive.Next()
			if msg == nil {
				break
			}
			switch msg.(type) {
			case *transport.SnapshotMarkerAck:
				active.SnapshotMarkerAckReceived()
			case *transport.SetVBucketStateAck:
				active.SetVBucketStateAckReceived()
			}
		}
		if result != dcp.MoreToProcess {
			return
		}
	}
}

func randomValue(size int) []byte {
	value := make([]byte, size)
	rand.Read(value)
	return value
}

// benchConn satisfies both connection interfaces with a wake channel.
type benchConn struct {
	name  string
	codec *transport.Codec
	ready chan []interface{}
	finch chan bool
	once  sync.Once
}

func newBenchConn(name string, codec *transport.Codec) *benchConn {
	return &benchConn{name: name, codec: codec,
		ready: make(chan []interface{}, 1),
		finch: make(chan bool)}
}

func (conn *benchConn) Name() string { return conn.name }

func (conn *benchConn) NotifyStreamReady(vbno uint16) {
	// coalesced wakeup; a full channel means a poll is already due
	c.FailsafeOpNoblock(conn.ready, []interface{}{vbno}, conn.finch)
}

func (conn *benchConn) CloseStream(vbno uint16) {
	conn.once.Do(func() { close(conn.finch) })
}

func (conn *benchConn) KeyOnly() bool           { return false }
func (conn *benchConn) Codec() *transport.Codec { return conn.codec }

// benchCursor serves the in-memory tail of the keyspace.
type benchCursor struct {
	vbno      uint16
	next      uint64
	high      uint64
	valueSize int
}

func newBenchCursor(vbno uint16, diskHigh, high uint64, valueSize int) *benchCursor {
	return &benchCursor{vbno: vbno, next: diskHigh + 1, high: high,
		valueSize: valueSize}
}

func (cur *benchCursor) HighSeqno() uint64 { return cur.high }

func (cur *benchCursor) NextBatch(max int) []*transport.Mutation {
	var items []*transport.Mutation
	for len(items) < max && cur.next <= cur.high {
		items = append(items, &transport.Mutation{
			Op:    transport.OPCODE_MUTATION,
			Vbno:  cur.vbno,
			Seqno: cur.next,
			Key:   []byte(fmt.Sprintf("key-%d-%08d", cur.vbno, cur.next)),
			Value: randomValue(cur.valueSize),
		})
		cur.next++
	}
	return items
}

// benchVBucket is a map-backed storage stand-in.
type benchVBucket struct {
	mu    sync.Mutex
	id    uint16
	state transport.VbState
	high  uint64
	data  map[string][]byte
}

func newBenchVBucket(id uint16, state transport.VbState) *benchVBucket {
	return &benchVBucket{id: id, state: state, data: make(map[string][]byte)}
}

func (vb *benchVBucket) ID() uint16 { return vb.id }

func (vb *benchVBucket) UUID() uint64 { return uint64(vb.id) + 0xdc9 }

func (vb *benchVBucket) HighSeqno() uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.high
}

func (vb *benchVBucket) State() transport.VbState {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.state
}

func (vb *benchVBucket) SetState(state transport.VbState) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.state = state
	return nil
}

func (vb *benchVBucket) ApplyMutation(m *transport.Mutation) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.data[string(m.Key)] = append([]byte(nil), m.Value...)
	vb.high = m.Seqno
	return nil
}

func (vb *benchVBucket) ApplyDeletion(m *transport.Mutation) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	delete(vb.data, string(m.Key))
	vb.high = m.Seqno
	return nil
}
