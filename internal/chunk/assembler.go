// Package chunk reassembles chunked encrypted image uploads. Buffers are
// keyed by (sender connection, room code) and are strictly transient: a
// buffer is consumed exactly once when all its slots fill, and discarded when
// the sending transport disconnects mid-transfer. Interrupted uploads are
// abandoned, never resumed.
package chunk

import (
	"strings"
	"sync"
	"time"

	"github.com/veilroom/relay/internal/metrics"
	"github.com/veilroom/relay/internal/protocol"
)

// DefaultIdleTimeout is how long a partial buffer may go without a new chunk
// before the sweep evicts it.
const DefaultIdleTimeout = 2 * time.Minute

// buffer accumulates fragments for one transfer. IV and encrypted-key
// metadata come from the first chunk seen and ride on the reassembled image.
// seen tracks filled slots separately from the fragment strings, so an empty
// fragment still counts toward completion.
type buffer struct {
	slots        []string
	seen         []bool
	filled       int
	iv           string
	encryptedKey string
	lastUpdate   time.Time
}

// Assembler holds all in-flight reassembly buffers. It is goroutine-safe.
type Assembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer // "<connID>:<roomCode>" -> buffer
	now     func() time.Time   // swapped in tests
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		buffers: make(map[string]*buffer),
		now:     time.Now,
	}
}

func key(connID, roomCode string) string {
	return connID + ":" + roomCode
}

// Add stores one fragment at its index. A duplicate index overwrites
// idempotently, and an empty fragment fills its slot like any other. When
// every slot 0..totalChunks-1 is filled, Add returns the
// chunks concatenated in index order together with the transfer's metadata,
// deletes the buffer, and ok is true. Out-of-range indices and non-positive
// totals are rejected (ok stays false, nothing is stored).
func (a *Assembler) Add(connID, roomCode string, index, totalChunks int, c protocol.ImageChunk) (protocol.EncryptedImage, bool) {
	if totalChunks <= 0 || index < 0 || index >= totalChunks {
		return protocol.EncryptedImage{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	k := key(connID, roomCode)
	buf, exists := a.buffers[k]
	if !exists {
		buf = &buffer{
			slots:        make([]string, totalChunks),
			seen:         make([]bool, totalChunks),
			iv:           c.IV,
			encryptedKey: c.EncryptedKey,
		}
		a.buffers[k] = buf
		metrics.ChunkBuffersOpen.Inc()
	}
	if totalChunks != len(buf.slots) {
		// The sender changed its mind about the transfer size; restart with
		// the new geometry rather than mixing fragments of two transfers.
		buf = &buffer{
			slots:        make([]string, totalChunks),
			seen:         make([]bool, totalChunks),
			iv:           c.IV,
			encryptedKey: c.EncryptedKey,
		}
		a.buffers[k] = buf
	}

	if !buf.seen[index] {
		buf.seen[index] = true
		buf.filled++
	}
	buf.slots[index] = c.Encrypted
	buf.lastUpdate = a.now()

	if buf.filled < totalChunks {
		return protocol.EncryptedImage{}, false
	}

	delete(a.buffers, k)
	metrics.ChunkBuffersOpen.Dec()

	return protocol.EncryptedImage{
		Encrypted:    strings.Join(buf.slots, ""),
		IV:           buf.iv,
		EncryptedKey: buf.encryptedKey,
	}, true
}

// DropConn discards every partial buffer owned by the given connection.
// Called when the sending transport disconnects or leaves a room.
func (a *Assembler) DropConn(connID string) {
	prefix := connID + ":"

	a.mu.Lock()
	defer a.mu.Unlock()

	for k := range a.buffers {
		if strings.HasPrefix(k, prefix) {
			delete(a.buffers, k)
			metrics.ChunkBuffersOpen.Dec()
		}
	}
}

// Sweep evicts buffers that have not received a chunk within idle. It returns
// the number of buffers removed.
func (a *Assembler) Sweep(idle time.Duration) int {
	cutoff := a.now().Add(-idle)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k, buf := range a.buffers {
		if buf.lastUpdate.Before(cutoff) {
			delete(a.buffers, k)
			metrics.ChunkBuffersOpen.Dec()
			removed++
		}
	}
	return removed
}

// Len returns the number of open buffers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
