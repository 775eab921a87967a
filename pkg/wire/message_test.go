package wire

import (
	"testing"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/merkle"
)

func roundTrip(t *testing.T, e *Envelope) *Envelope {
	t.Helper()
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out Envelope
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return &out
}

func TestAuthRoundTrip(t *testing.T) {
	e, err := NewAuth("deadbeef")
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	got := roundTrip(t, e)
	if got.Kind != KindAuth {
		t.Fatalf("kind = %d, want %d", got.Kind, KindAuth)
	}
	body, err := DecodeAuth(got)
	if err != nil {
		t.Fatalf("DecodeAuth failed: %v", err)
	}
	if body.Token != "deadbeef" {
		t.Errorf("token = %q, want %q", body.Token, "deadbeef")
	}
}

func TestHaveChunksRoundTrip(t *testing.T) {
	digests := []chunk.Digest{chunk.Sum([]byte("a")), chunk.Sum([]byte("b"))}
	e, err := NewHaveChunks(digests)
	if err != nil {
		t.Fatalf("NewHaveChunks failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeHaveChunks(got)
	if err != nil {
		t.Fatalf("DecodeHaveChunks failed: %v", err)
	}
	if len(body.Digests) != 2 || body.Digests[0] != digests[0] || body.Digests[1] != digests[1] {
		t.Errorf("digests = %v, want %v", body.Digests, digests)
	}
}

func TestChunkDataRoundTrip(t *testing.T) {
	data := []byte("chunk bytes")
	d := chunk.Sum(data)
	e, err := NewChunkData(d, data)
	if err != nil {
		t.Fatalf("NewChunkData failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeChunkData(got)
	if err != nil {
		t.Fatalf("DecodeChunkData failed: %v", err)
	}
	if body.Digest != d || string(body.Data) != string(data) {
		t.Error("chunk data round-trip mismatch")
	}
}

func TestCommitTreeRoundTrip(t *testing.T) {
	tree := &merkle.Node{Kind: merkle.KindDirectory, Name: "", Hash: chunk.Digest{9}}
	e, err := NewCommitTree("example.com", tree)
	if err != nil {
		t.Fatalf("NewCommitTree failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeCommitTree(got)
	if err != nil {
		t.Fatalf("DecodeCommitTree failed: %v", err)
	}
	if body.Hostname != "example.com" || body.Tree.Hash != tree.Hash {
		t.Error("commit tree round-trip mismatch")
	}
}

func TestRollbackWithoutSnapshotID(t *testing.T) {
	e, err := NewRollback("example.com", nil)
	if err != nil {
		t.Fatalf("NewRollback failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeRollback(got)
	if err != nil {
		t.Fatalf("DecodeRollback failed: %v", err)
	}
	if body.SnapshotID != nil {
		t.Errorf("expected nil snapshot id, got %v", *body.SnapshotID)
	}
}

func TestRollbackWithSnapshotID(t *testing.T) {
	id := int64(42)
	e, err := NewRollback("example.com", &id)
	if err != nil {
		t.Fatalf("NewRollback failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeRollback(got)
	if err != nil {
		t.Fatalf("DecodeRollback failed: %v", err)
	}
	if body.SnapshotID == nil || *body.SnapshotID != 42 {
		t.Errorf("snapshot id = %v, want 42", body.SnapshotID)
	}
}

func TestCommitFailedReason(t *testing.T) {
	e, err := NewCommitFailed("Missing 3 chunks")
	if err != nil {
		t.Fatalf("NewCommitFailed failed: %v", err)
	}
	got := roundTrip(t, e)
	body, err := DecodeCommitFailed(got)
	if err != nil {
		t.Fatalf("DecodeCommitFailed failed: %v", err)
	}
	if body.Reason != "Missing 3 chunks" {
		t.Errorf("reason = %q, want %q", body.Reason, "Missing 3 chunks")
	}
}
