// Package wire implements the sync protocol's message envelope: a
// Kind-discriminated, canonical-CBOR-encoded frame exchanged over a single
// framed connection between client and server.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/codec/cborcanon"
	"github.com/webpubdev/webpub/pkg/merkle"
)

// Kind discriminates an Envelope's Body.
type Kind uint8

const (
	// Client -> server.
	KindAuth Kind = iota + 1
	KindHaveChunks
	KindChunkData
	KindCommitTree
	KindListSnapshots
	KindRollback

	// Server -> client.
	KindAuthOk
	KindAuthFailed
	KindNeedChunks
	KindChunkAck
	KindCommitOk
	KindCommitFailed
	KindSnapshotList
	KindRollbackOk
	KindRollbackFailed
)

// Envelope is the single message shape exchanged over the wire; Body holds
// the Kind-specific payload, deferred as raw CBOR until the caller knows
// which concrete type to decode it into.
type Envelope struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

// Marshal encodes the envelope to canonical CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	return cborcanon.Marshal(e)
}

// Unmarshal decodes canonical CBOR data into the envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, e)
}

// newEnvelope builds an Envelope for kind by canonically encoding body.
func newEnvelope(kind Kind, body interface{}) (*Envelope, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body for kind %d: %w", kind, err)
	}
	return &Envelope{Kind: kind, Body: raw}, nil
}

// decodeBody decodes an envelope's raw Body into dst.
func decodeBody(e *Envelope, dst interface{}) error {
	if err := cborcanon.Unmarshal(e.Body, dst); err != nil {
		return fmt.Errorf("decode body for kind %d: %w", e.Kind, err)
	}
	return nil
}

// --- Client -> server bodies ---

// AuthBody carries the bearer token presented immediately after the
// connection is established.
type AuthBody struct {
	Token string `cbor:"token"`
}

// HaveChunksBody announces the digests a client is prepared to upload.
type HaveChunksBody struct {
	Digests []chunk.Digest `cbor:"digests"`
}

// ChunkDataBody carries one chunk's bytes.
type ChunkDataBody struct {
	Digest chunk.Digest `cbor:"digest"`
	Data   []byte       `cbor:"data"`
}

// CommitTreeBody requests that tree become hostname's new current
// snapshot.
type CommitTreeBody struct {
	Hostname string       `cbor:"hostname"`
	Tree     *merkle.Node `cbor:"tree"`
}

// ListSnapshotsBody requests the snapshot history for hostname.
type ListSnapshotsBody struct {
	Hostname string `cbor:"hostname"`
}

// RollbackBody requests hostname roll back to SnapshotID, or to the
// previous snapshot if SnapshotID is nil.
type RollbackBody struct {
	Hostname   string `cbor:"hostname"`
	SnapshotID *int64 `cbor:"snapshot_id,omitempty"`
}

// --- Server -> client bodies ---

// NeedChunksBody lists the digests from a HaveChunks announcement the
// server does not yet have.
type NeedChunksBody struct {
	Digests []chunk.Digest `cbor:"digests"`
}

// ChunkAckBody acknowledges receipt and storage of one chunk.
type ChunkAckBody struct {
	Digest chunk.Digest `cbor:"digest"`
}

// CommitOkBody reports the id of the snapshot just created.
type CommitOkBody struct {
	SnapshotID int64 `cbor:"snapshot_id"`
}

// CommitFailedBody reports why a commit was rejected.
type CommitFailedBody struct {
	Reason string `cbor:"reason"`
}

// SnapshotListBody is the full snapshot history for one hostname, most
// recent first.
type SnapshotListBody struct {
	Snapshots []SnapshotSummary `cbor:"snapshots"`
}

// SnapshotSummary is one row of a SnapshotListBody.
type SnapshotSummary struct {
	ID        int64  `cbor:"id"`
	CreatedAt string `cbor:"created_at"`
	IsCurrent bool   `cbor:"is_current"`
}

// RollbackOkBody reports the id of the snapshot that is now current.
type RollbackOkBody struct {
	SnapshotID int64 `cbor:"snapshot_id"`
}

// RollbackFailedBody reports why a rollback was rejected.
type RollbackFailedBody struct {
	Reason string `cbor:"reason"`
}

// --- Constructors ---

// NewAuth builds an Auth envelope.
func NewAuth(token string) (*Envelope, error) {
	return newEnvelope(KindAuth, &AuthBody{Token: token})
}

// NewHaveChunks builds a HaveChunks envelope.
func NewHaveChunks(digests []chunk.Digest) (*Envelope, error) {
	return newEnvelope(KindHaveChunks, &HaveChunksBody{Digests: digests})
}

// NewChunkData builds a ChunkData envelope.
func NewChunkData(digest chunk.Digest, data []byte) (*Envelope, error) {
	return newEnvelope(KindChunkData, &ChunkDataBody{Digest: digest, Data: data})
}

// NewCommitTree builds a CommitTree envelope.
func NewCommitTree(hostname string, tree *merkle.Node) (*Envelope, error) {
	return newEnvelope(KindCommitTree, &CommitTreeBody{Hostname: hostname, Tree: tree})
}

// NewListSnapshots builds a ListSnapshots envelope.
func NewListSnapshots(hostname string) (*Envelope, error) {
	return newEnvelope(KindListSnapshots, &ListSnapshotsBody{Hostname: hostname})
}

// NewRollback builds a Rollback envelope. A nil snapshotID requests
// rollback to the previous snapshot.
func NewRollback(hostname string, snapshotID *int64) (*Envelope, error) {
	return newEnvelope(KindRollback, &RollbackBody{Hostname: hostname, SnapshotID: snapshotID})
}

// NewAuthOk builds an AuthOk envelope.
func NewAuthOk() (*Envelope, error) {
	return newEnvelope(KindAuthOk, struct{}{})
}

// NewAuthFailed builds an AuthFailed envelope.
func NewAuthFailed() (*Envelope, error) {
	return newEnvelope(KindAuthFailed, struct{}{})
}

// NewNeedChunks builds a NeedChunks envelope.
func NewNeedChunks(digests []chunk.Digest) (*Envelope, error) {
	return newEnvelope(KindNeedChunks, &NeedChunksBody{Digests: digests})
}

// NewChunkAck builds a ChunkAck envelope.
func NewChunkAck(digest chunk.Digest) (*Envelope, error) {
	return newEnvelope(KindChunkAck, &ChunkAckBody{Digest: digest})
}

// NewCommitOk builds a CommitOk envelope.
func NewCommitOk(snapshotID int64) (*Envelope, error) {
	return newEnvelope(KindCommitOk, &CommitOkBody{SnapshotID: snapshotID})
}

// NewCommitFailed builds a CommitFailed envelope.
func NewCommitFailed(reason string) (*Envelope, error) {
	return newEnvelope(KindCommitFailed, &CommitFailedBody{Reason: reason})
}

// NewSnapshotList builds a SnapshotList envelope.
func NewSnapshotList(snapshots []SnapshotSummary) (*Envelope, error) {
	return newEnvelope(KindSnapshotList, &SnapshotListBody{Snapshots: snapshots})
}

// NewRollbackOk builds a RollbackOk envelope.
func NewRollbackOk(snapshotID int64) (*Envelope, error) {
	return newEnvelope(KindRollbackOk, &RollbackOkBody{SnapshotID: snapshotID})
}

// NewRollbackFailed builds a RollbackFailed envelope.
func NewRollbackFailed(reason string) (*Envelope, error) {
	return newEnvelope(KindRollbackFailed, &RollbackFailedBody{Reason: reason})
}

// --- Decoders ---

// DecodeAuth decodes an Auth envelope's body.
func DecodeAuth(e *Envelope) (*AuthBody, error) {
	var b AuthBody
	return &b, decodeBody(e, &b)
}

// DecodeHaveChunks decodes a HaveChunks envelope's body.
func DecodeHaveChunks(e *Envelope) (*HaveChunksBody, error) {
	var b HaveChunksBody
	return &b, decodeBody(e, &b)
}

// DecodeChunkData decodes a ChunkData envelope's body.
func DecodeChunkData(e *Envelope) (*ChunkDataBody, error) {
	var b ChunkDataBody
	return &b, decodeBody(e, &b)
}

// DecodeCommitTree decodes a CommitTree envelope's body.
func DecodeCommitTree(e *Envelope) (*CommitTreeBody, error) {
	var b CommitTreeBody
	return &b, decodeBody(e, &b)
}

// DecodeListSnapshots decodes a ListSnapshots envelope's body.
func DecodeListSnapshots(e *Envelope) (*ListSnapshotsBody, error) {
	var b ListSnapshotsBody
	return &b, decodeBody(e, &b)
}

// DecodeRollback decodes a Rollback envelope's body.
func DecodeRollback(e *Envelope) (*RollbackBody, error) {
	var b RollbackBody
	return &b, decodeBody(e, &b)
}

// DecodeNeedChunks decodes a NeedChunks envelope's body.
func DecodeNeedChunks(e *Envelope) (*NeedChunksBody, error) {
	var b NeedChunksBody
	return &b, decodeBody(e, &b)
}

// DecodeChunkAck decodes a ChunkAck envelope's body.
func DecodeChunkAck(e *Envelope) (*ChunkAckBody, error) {
	var b ChunkAckBody
	return &b, decodeBody(e, &b)
}

// DecodeCommitOk decodes a CommitOk envelope's body.
func DecodeCommitOk(e *Envelope) (*CommitOkBody, error) {
	var b CommitOkBody
	return &b, decodeBody(e, &b)
}

// DecodeCommitFailed decodes a CommitFailed envelope's body.
func DecodeCommitFailed(e *Envelope) (*CommitFailedBody, error) {
	var b CommitFailedBody
	return &b, decodeBody(e, &b)
}

// DecodeSnapshotList decodes a SnapshotList envelope's body.
func DecodeSnapshotList(e *Envelope) (*SnapshotListBody, error) {
	var b SnapshotListBody
	return &b, decodeBody(e, &b)
}

// DecodeRollbackOk decodes a RollbackOk envelope's body.
func DecodeRollbackOk(e *Envelope) (*RollbackOkBody, error) {
	var b RollbackOkBody
	return &b, decodeBody(e, &b)
}

// DecodeRollbackFailed decodes a RollbackFailed envelope's body.
func DecodeRollbackFailed(e *Envelope) (*RollbackFailedBody, error) {
	var b RollbackFailedBody
	return &b, decodeBody(e, &b)
}
