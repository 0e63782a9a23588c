package chunk

import (
	"strconv"
	"testing"
	"time"

	"github.com/veilroom/relay/internal/protocol"
)

func chunkAt(i int) protocol.ImageChunk {
	return protocol.ImageChunk{
		Encrypted:    "frag" + strconv.Itoa(i) + ";",
		IV:           "iv-first",
		EncryptedKey: "key-first",
	}
}

// ---------------------------------------------------------------------------
// Test: In-order and out-of-order completion
// ---------------------------------------------------------------------------

func TestAdd_InOrder(t *testing.T) {
	a := NewAssembler()

	for i := 0; i < 2; i++ {
		if _, done := a.Add("c1", "AB12CD", i, 3, chunkAt(i)); done {
			t.Fatalf("transfer completed early at chunk %d", i)
		}
	}

	img, done := a.Add("c1", "AB12CD", 2, 3, chunkAt(2))
	if !done {
		t.Fatal("expected completion on the final chunk")
	}
	if img.Encrypted != "frag0;frag1;frag2;" {
		t.Errorf("bad reassembly: %q", img.Encrypted)
	}
	if img.IV != "iv-first" || img.EncryptedKey != "key-first" {
		t.Errorf("metadata lost: iv=%q key=%q", img.IV, img.EncryptedKey)
	}
	if a.Len() != 0 {
		t.Errorf("expected buffer consumed, %d still open", a.Len())
	}
}

func TestAdd_OutOfOrder(t *testing.T) {
	a := NewAssembler()

	order := []int{3, 0, 2, 1}
	var img protocol.EncryptedImage
	completions := 0
	for _, i := range order {
		if got, done := a.Add("c1", "AB12CD", i, 4, chunkAt(i)); done {
			img = got
			completions++
		}
	}

	if completions != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", completions)
	}
	if img.Encrypted != "frag0;frag1;frag2;frag3;" {
		t.Errorf("chunks not joined in index order: %q", img.Encrypted)
	}
}

// ---------------------------------------------------------------------------
// Test: Metadata comes from the first chunk seen, not the first index
// ---------------------------------------------------------------------------

func TestAdd_MetadataFromFirstArrival(t *testing.T) {
	a := NewAssembler()

	first := protocol.ImageChunk{Encrypted: "b;", IV: "arrival-iv", EncryptedKey: "arrival-key"}
	second := protocol.ImageChunk{Encrypted: "a;", IV: "other-iv", EncryptedKey: "other-key"}

	a.Add("c1", "AB12CD", 1, 2, first)
	img, done := a.Add("c1", "AB12CD", 0, 2, second)
	if !done {
		t.Fatal("expected completion")
	}
	if img.IV != "arrival-iv" || img.EncryptedKey != "arrival-key" {
		t.Errorf("expected first-arrival metadata, got iv=%q key=%q", img.IV, img.EncryptedKey)
	}
	if img.Encrypted != "a;b;" {
		t.Errorf("bad reassembly: %q", img.Encrypted)
	}
}

// ---------------------------------------------------------------------------
// Test: Empty fragments fill their slot
// ---------------------------------------------------------------------------

func TestAdd_EmptyFragmentCounts(t *testing.T) {
	a := NewAssembler()

	empty := protocol.ImageChunk{Encrypted: "", IV: "iv-empty", EncryptedKey: "key-empty"}
	if _, done := a.Add("c1", "AB12CD", 0, 2, empty); done {
		t.Fatal("transfer completed early")
	}

	img, done := a.Add("c1", "AB12CD", 1, 2, chunkAt(1))
	if !done {
		t.Fatal("a transfer containing an empty fragment must still complete")
	}
	if img.Encrypted != "frag1;" {
		t.Errorf("bad reassembly: %q", img.Encrypted)
	}
	if img.IV != "iv-empty" || img.EncryptedKey != "key-empty" {
		t.Errorf("expected first-arrival metadata, got iv=%q key=%q", img.IV, img.EncryptedKey)
	}
	if a.Len() != 0 {
		t.Errorf("expected buffer consumed, %d still open", a.Len())
	}
}

// ---------------------------------------------------------------------------
// Test: Duplicates, bad indices, geometry changes
// ---------------------------------------------------------------------------

func TestAdd_DuplicateIndexIdempotent(t *testing.T) {
	a := NewAssembler()

	a.Add("c1", "AB12CD", 0, 2, chunkAt(0))
	if _, done := a.Add("c1", "AB12CD", 0, 2, chunkAt(0)); done {
		t.Fatal("duplicate chunk must not complete the transfer")
	}

	img, done := a.Add("c1", "AB12CD", 1, 2, chunkAt(1))
	if !done {
		t.Fatal("expected completion")
	}
	if img.Encrypted != "frag0;frag1;" {
		t.Errorf("duplicate corrupted the buffer: %q", img.Encrypted)
	}
}

func TestAdd_RejectsBadIndices(t *testing.T) {
	a := NewAssembler()

	cases := []struct {
		name  string
		index int
		total int
	}{
		{"negative index", -1, 3},
		{"index at total", 3, 3},
		{"index past total", 7, 3},
		{"zero total", 0, 0},
		{"negative total", 0, -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, done := a.Add("c1", "AB12CD", tc.index, tc.total, chunkAt(0)); done {
				t.Error("invalid chunk must not complete")
			}
		})
	}
	if a.Len() != 0 {
		t.Errorf("rejected chunks must not open buffers, %d open", a.Len())
	}
}

func TestAdd_GeometryChangeRestarts(t *testing.T) {
	a := NewAssembler()

	a.Add("c1", "AB12CD", 0, 3, chunkAt(0))
	a.Add("c1", "AB12CD", 1, 3, chunkAt(1))

	// A different totalChunks starts a fresh transfer.
	if _, done := a.Add("c1", "AB12CD", 0, 2, chunkAt(0)); done {
		t.Fatal("restarted transfer must not inherit old fragments")
	}
	img, done := a.Add("c1", "AB12CD", 1, 2, chunkAt(1))
	if !done {
		t.Fatal("expected completion of the restarted transfer")
	}
	if img.Encrypted != "frag0;frag1;" {
		t.Errorf("bad reassembly after restart: %q", img.Encrypted)
	}
}

// ---------------------------------------------------------------------------
// Test: Transfers are isolated by sender connection and room
// ---------------------------------------------------------------------------

func TestAdd_IndependentTransfers(t *testing.T) {
	a := NewAssembler()

	a.Add("c1", "AB12CD", 0, 2, chunkAt(0))
	a.Add("c2", "AB12CD", 0, 2, chunkAt(0))
	a.Add("c1", "ZZ99XX", 0, 2, chunkAt(0))

	if a.Len() != 3 {
		t.Fatalf("expected 3 open buffers, got %d", a.Len())
	}

	if _, done := a.Add("c1", "AB12CD", 1, 2, chunkAt(1)); !done {
		t.Error("c1/AB12CD should complete independently")
	}
	if a.Len() != 2 {
		t.Errorf("expected 2 buffers after one completion, got %d", a.Len())
	}
}

func TestDropConn(t *testing.T) {
	a := NewAssembler()

	a.Add("c1", "AB12CD", 0, 2, chunkAt(0))
	a.Add("c1", "ZZ99XX", 0, 2, chunkAt(0))
	a.Add("c2", "AB12CD", 0, 2, chunkAt(0))

	a.DropConn("c1")

	if a.Len() != 1 {
		t.Fatalf("expected only c2's buffer to survive, got %d", a.Len())
	}

	// c1's interrupted transfer is gone; a late chunk starts a new one.
	if _, done := a.Add("c1", "AB12CD", 1, 2, chunkAt(1)); done {
		t.Error("dropped transfer must not resume")
	}
}

// ---------------------------------------------------------------------------
// Test: Idle sweep
// ---------------------------------------------------------------------------

func TestSweep(t *testing.T) {
	now := time.Now()
	a := NewAssembler()
	a.now = func() time.Time { return now }

	a.Add("c1", "AB12CD", 0, 2, chunkAt(0))

	// Second buffer gets a chunk later; only the first goes stale.
	a.now = func() time.Time { return now.Add(90 * time.Second) }
	a.Add("c2", "AB12CD", 0, 2, chunkAt(0))

	a.now = func() time.Time { return now.Add(2*time.Minute + time.Second) }
	removed := a.Sweep(DefaultIdleTimeout)

	if removed != 1 {
		t.Fatalf("expected 1 buffer swept, got %d", removed)
	}
	if a.Len() != 1 {
		t.Errorf("expected c2's buffer to survive, got %d", a.Len())
	}
	if _, done := a.Add("c2", "AB12CD", 1, 2, chunkAt(1)); !done {
		t.Error("surviving transfer should still complete")
	}
}
