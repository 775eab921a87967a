// Package merkle builds a content-addressed tree over a scanned filesystem,
// mirroring it as a tree of File and Directory nodes whose hashes commit to
// their entire subtree.
package merkle

import (
	"lukechampine.com/blake3"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/scan"
)

// Kind discriminates a Node's variant.
type Kind uint8

const (
	// KindFile marks a Node representing a regular file.
	KindFile Kind = iota
	// KindDirectory marks a Node representing a directory.
	KindDirectory
)

// Node is a single entry in the tree: either a File (leaf, chunked content)
// or a Directory (internal, ordered children). Which fields are populated
// is determined by Kind.
type Node struct {
	Kind        Kind        `cbor:"kind"`
	Name        string      `cbor:"name"`
	Permissions uint32      `cbor:"permissions"`
	Hash        chunk.Digest `cbor:"hash"`

	// File fields.
	Size   uint64         `cbor:"size,omitempty"`
	Chunks []chunk.Digest `cbor:"chunks,omitempty"`

	// Directory fields, always ordered the same as the scanned children.
	Children []*Node `cbor:"children,omitempty"`
}

// Build walks a scanned entry into a Node tree, returning the root and the
// flat, depth-first post-order sequence of every chunk produced along the
// way (the set a caller needs to persist or negotiate over the wire).
func Build(root *scan.Entry) (*Node, []chunk.Chunk) {
	var allChunks []chunk.Chunk
	node := buildNode(root, &allChunks)
	return node, allChunks
}

func buildNode(entry *scan.Entry, allChunks *[]chunk.Chunk) *Node {
	if entry.IsDir {
		children := make([]*Node, 0, len(entry.Children))
		for _, c := range entry.Children {
			children = append(children, buildNode(c, allChunks))
		}
		return &Node{
			Kind:        KindDirectory,
			Name:        entry.Name,
			Permissions: entry.Permissions,
			Hash:        directoryHash(children),
			Children:    children,
		}
	}

	chunks := chunk.Split(entry.Data)
	digests := make([]chunk.Digest, len(chunks))
	for i, c := range chunks {
		digests[i] = c.Digest
	}
	*allChunks = append(*allChunks, chunks...)

	return &Node{
		Kind:        KindFile,
		Name:        entry.Name,
		Permissions: entry.Permissions,
		Size:        entry.Size,
		Hash:        fileHash(digests),
		Chunks:      digests,
	}
}

// fileHash is BLAKE3 over the concatenation of a file's chunk digests, in
// order.
func fileHash(chunks []chunk.Digest) chunk.Digest {
	h := blake3.New(chunk.DigestSize, nil)
	for _, c := range chunks {
		h.Write(c[:])
	}
	var out chunk.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// directoryHash is BLAKE3 over each child's (name, little-endian
// permissions, hash), concatenated in the order the children already
// appear in (which scan.Tree guarantees is sorted by raw name bytes).
func directoryHash(children []*Node) chunk.Digest {
	h := blake3.New(chunk.DigestSize, nil)
	var permBuf [4]byte
	for _, c := range children {
		h.Write([]byte(c.Name))
		permBuf[0] = byte(c.Permissions)
		permBuf[1] = byte(c.Permissions >> 8)
		permBuf[2] = byte(c.Permissions >> 16)
		permBuf[3] = byte(c.Permissions >> 24)
		h.Write(permBuf[:])
		h.Write(c.Hash[:])
	}
	var out chunk.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Walk calls fn for every node in the tree in depth-first pre-order: a
// node before its children, children in their stored order.
func Walk(node *Node, fn func(*Node)) {
	fn(node)
	for _, c := range node.Children {
		Walk(c, fn)
	}
}

// Find resolves a path given as its already-split segments (relative to
// node, which is typically the tree root) to the Node at that path, or nil
// if no such path exists. Segments are matched against child names as-is;
// none is split further on "/". An empty path resolves to node itself.
func Find(node *Node, segments []string) *Node {
	if len(segments) == 0 {
		return node
	}
	if !node.IsDir() {
		return nil
	}
	head, rest := segments[0], segments[1:]
	for _, c := range node.Children {
		if c.Name == head {
			return Find(c, rest)
		}
	}
	return nil
}

// IsDir reports whether node is a Directory node.
func (n *Node) IsDir() bool {
	return n.Kind == KindDirectory
}
