// Package buffer implements the per-tab sequenced output buffer: PTY
// byte fragments are coalesced with a short debounce, assigned strictly
// increasing sequence numbers, kept in a bounded ring and published on
// the event bus.
package buffer

import (
	"sync"
	"time"

	"github.com/ength/aiagent-console/internal/event"
	"github.com/ength/aiagent-console/internal/metrics"
)

const (
	// MaxChunks bounds the number of retained chunks per tab.
	MaxChunks = 1000
	// MaxChunkSize triggers a synchronous flush once the pending
	// accumulator reaches it.
	MaxChunkSize = 4096
	// FlushDebounce is the coalescing window for small PTY writes.
	FlushDebounce = 50 * time.Millisecond
)

// Publisher is the event-bus surface the buffer needs.
type Publisher interface {
	Publish(event.Event)
}

// Options configures a new Buffer.
type Options struct {
	AgentID string
	TabID   string
	// MaxChunks overrides the retention bound (tests); 0 means MaxChunks.
	MaxChunks int
}

// Stats describes the current buffer contents.
type Stats struct {
	ChunkCount int   `json:"chunkCount"`
	TotalSize  int   `json:"totalSize"`
	FirstSeq   int64 `json:"firstSeq"`
	LastSeq    int64 `json:"lastSeq"`
}

// Buffer accumulates PTY output for one tab. Append is called by the
// PTY read loop; the debounce timer fires on its own goroutine, so all
// state is guarded by mu. The lock is held across publication to keep
// chunks on the bus in seq order.
type Buffer struct {
	agentID   string
	tabID     string
	maxChunks int
	pub       Publisher

	mu      sync.Mutex
	chunks  []event.Chunk
	nextSeq int64
	pending []byte
	timer   *time.Timer
	logFn   func([]byte)
}

// New creates a Buffer publishing chunks for (opts.AgentID, opts.TabID).
func New(opts Options, pub Publisher) *Buffer {
	max := opts.MaxChunks
	if max <= 0 {
		max = MaxChunks
	}
	return &Buffer{
		agentID:   opts.AgentID,
		tabID:     opts.TabID,
		maxChunks: max,
		pub:       pub,
	}
}

// SetLogFunc installs a hook invoked with each chunk's data just before
// publication. Pass nil to remove it.
func (b *Buffer) SetLogFunc(fn func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logFn = fn
}

// Append adds PTY output to the pending accumulator. Large accumulations
// flush synchronously; small ones wait for the debounce timer so cursor
// animations and other tiny writes coalesce into one chunk.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, data...)
	if len(b.pending) >= MaxChunkSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(FlushDebounce, b.Flush)
	}
}

// Flush publishes any pending data as the next chunk.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Buffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	chunk := event.Chunk{
		Seq:       b.nextSeq,
		Data:      string(b.pending),
		Timestamp: time.Now().UnixMilli(),
	}
	b.nextSeq++
	b.pending = b.pending[:0]

	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = append(b.chunks[:0:0], b.chunks[len(b.chunks)-b.maxChunks:]...)
	}

	if b.logFn != nil {
		b.logFn([]byte(chunk.Data))
	}
	metrics.ChunksPublished.Inc()
	b.pub.Publish(event.Event{
		Type:    event.TypeChunk,
		AgentID: b.agentID,
		TabID:   b.tabID,
		Chunk:   &chunk,
	})
}

// Snapshot returns all retained chunks with seq >= fromSeq in order,
// plus the highest assigned seq (-1 when nothing was ever assigned).
func (b *Buffer) Snapshot(fromSeq int64) ([]event.Chunk, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []event.Chunk
	for _, c := range b.chunks {
		if c.Seq >= fromSeq {
			out = append(out, c)
		}
	}
	return out, b.nextSeq - 1
}

// LastSeq returns the highest assigned seq, or -1.
func (b *Buffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// FirstSeq returns the earliest retained seq, or -1 when empty.
func (b *Buffer) FirstSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return -1
	}
	return b.chunks[0].Seq
}

// Stats returns counters describing the retained chunks.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{ChunkCount: len(b.chunks), FirstSeq: -1, LastSeq: b.nextSeq - 1}
	for _, c := range b.chunks {
		s.TotalSize += len(c.Data)
	}
	if len(b.chunks) > 0 {
		s.FirstSeq = b.chunks[0].Seq
	}
	return s
}

// Seed installs a single chunk at seq 0 holding restored scrollback.
// Only valid on a fresh buffer.
func (b *Buffer) Seed(data string) {
	if data == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextSeq != 0 {
		return
	}
	b.chunks = append(b.chunks, event.Chunk{
		Seq:       0,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	b.nextSeq = 1
}

// Tail reconstructs the buffered stream (retained chunks plus pending
// data) and returns its last maxChars characters.
func (b *Buffer) Tail(maxChars int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb []byte
	for _, c := range b.chunks {
		sb = append(sb, c.Data...)
	}
	sb = append(sb, b.pending...)

	r := []rune(string(sb))
	if len(r) > maxChars {
		r = r[len(r)-maxChars:]
	}
	return string(r)
}

// Close cancels the debounce timer and publishes any pending data.
func (b *Buffer) Close() {
	b.Flush()
}
