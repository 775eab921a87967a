// Package archive implements the single-file, seekable archive container:
// a fixed header, a run of deduplicated chunk bytes, and a canonical-CBOR
// index trailer describing the Merkle tree and where each chunk's bytes
// live.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/codec/cborcanon"
	"github.com/webpubdev/webpub/pkg/merkle"
)

// Magic identifies a webpub archive file.
var Magic = [8]byte{'W', 'E', 'B', 'P', 'U', 'B', 0, 0}

// Version is the current archive format version.
const Version = 1

// headerSize is magic(8) + version(1) + index offset(8) + index size(8).
const headerSize = 25

// Location records where a chunk's bytes live within the archive file.
type Location struct {
	Offset uint64 `cbor:"offset"`
	Size   uint64 `cbor:"size"`
}

// Index is the trailer written after all chunk bytes: the full Merkle
// tree plus a lookup from chunk digest (hex) to its Location.
type Index struct {
	Tree         *merkle.Node        `cbor:"tree"`
	ChunkOffsets map[string]Location `cbor:"chunk_offsets"`
}

// Write serializes tree and chunks into a new archive file at path,
// writing each distinct chunk's bytes exactly once even if chunks repeats
// a digest.
func Write(path string, tree *merkle.Node, chunks []chunk.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	// Placeholder header; patched once the true index offset/size are known.
	if _, err := w.Write(Magic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := w.WriteByte(Version); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	var placeholder [16]byte
	if _, err := w.Write(placeholder[:]); err != nil {
		return fmt.Errorf("write header placeholder: %w", err)
	}

	offsets := make(map[string]Location)
	var offset uint64 = headerSize
	for _, c := range chunks {
		key := c.Digest.String()
		if _, seen := offsets[key]; seen {
			continue
		}
		n, err := w.Write(c.Data)
		if err != nil {
			return fmt.Errorf("write chunk %s: %w", key, err)
		}
		offsets[key] = Location{Offset: offset, Size: uint64(n)}
		offset += uint64(n)
	}

	index := Index{Tree: tree, ChunkOffsets: offsets}
	indexBytes, err := cborcanon.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode archive index: %w", err)
	}
	indexOffset := offset
	indexSize := uint64(len(indexBytes))
	if _, err := w.Write(indexBytes); err != nil {
		return fmt.Errorf("write archive index: %w", err)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}

	if err := writeHeaderTrailer(f, indexOffset, indexSize); err != nil {
		return err
	}
	return nil
}

func writeHeaderTrailer(f *os.File, indexOffset, indexSize uint64) error {
	var buf [16]byte
	putLE64(buf[0:8], indexOffset)
	putLE64(buf[8:16], indexSize)
	if _, err := f.WriteAt(buf[:], 9); err != nil {
		return fmt.Errorf("patch archive header: %w", err)
	}
	return nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Reader provides random access to a single archive file's tree and chunk
// bytes, re-using the underlying *os.File across lookups.
type Reader struct {
	f     *os.File
	Index Index
}

// Open reads an archive's header and index, without loading any chunk
// bytes, and returns a Reader for resolving individual files.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read archive header: %w", err)
	}
	if [8]byte(header[0:8]) != Magic {
		f.Close()
		return nil, fmt.Errorf("%s: not a webpub archive (bad magic)", path)
	}
	if header[8] != Version {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported archive version %d", path, header[8])
	}
	indexOffset := getLE64(header[9:17])
	indexSize := getLE64(header[17:25])

	indexBytes := make([]byte, indexSize)
	if _, err := f.ReadAt(indexBytes, int64(indexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("read archive index: %w", err)
	}

	var index Index
	if err := cborcanon.Unmarshal(indexBytes, &index); err != nil {
		f.Close()
		return nil, fmt.Errorf("decode archive index: %w", err)
	}

	return &Reader{f: f, Index: index}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadChunk returns the bytes for a single chunk digest, verifying its
// content against the digest before returning.
func (r *Reader) ReadChunk(d chunk.Digest) ([]byte, error) {
	loc, ok := r.Index.ChunkOffsets[d.String()]
	if !ok {
		return nil, fmt.Errorf("chunk %s: not present in archive", d)
	}
	data := make([]byte, loc.Size)
	if _, err := r.f.ReadAt(data, int64(loc.Offset)); err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", d, err)
	}
	if got := chunk.Sum(data); got != d {
		return nil, fmt.Errorf("chunk %s: digest mismatch after read (got %s)", d, got)
	}
	return data, nil
}

// ReadFile reassembles a File node's full contents.
func (r *Reader) ReadFile(node *merkle.Node) ([]byte, error) {
	if node.IsDir() {
		return nil, fmt.Errorf("%s: is a directory, not a file", node.Name)
	}
	out := make([]byte, 0, node.Size)
	for _, d := range node.Chunks {
		data, err := r.ReadChunk(d)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// Extract writes the full tree under r to destDir, creating directories
// and files with their recorded permissions.
func (r *Reader) Extract(destDir string) error {
	return extractNode(r, r.Index.Tree, destDir)
}

func extractNode(r *Reader, node *merkle.Node, basePath string) error {
	path := basePath
	if node.Name != "" {
		path = basePath + string(os.PathSeparator) + node.Name
	}

	if node.IsDir() {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", path, err)
		}
		for _, c := range node.Children {
			if err := extractNode(r, c, path); err != nil {
				return err
			}
		}
		return os.Chmod(path, os.FileMode(node.Permissions))
	}

	data, err := r.ReadFile(node)
	if err != nil {
		return fmt.Errorf("extract %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, os.FileMode(node.Permissions)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile's mode is reduced by the umask and ignored for an existing
	// file; set the recorded permissions explicitly.
	return os.Chmod(path, os.FileMode(node.Permissions))
}
