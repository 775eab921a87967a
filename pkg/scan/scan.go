// Package scan walks a filesystem tree into an in-memory, deterministically
// ordered representation suitable for building a Merkle tree from.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// scanConcurrency bounds how many directory entries are statted/read at
// once per directory level.
const scanConcurrency = 8

// Entry is one scanned filesystem node: either a file carrying its raw
// bytes, or a directory carrying its children.
type Entry struct {
	Name        string
	Permissions uint32
	IsDir       bool

	// File fields.
	Size uint64
	Data []byte

	// Directory fields, always sorted by raw Name bytes.
	Children []*Entry
}

// Tree scans the filesystem rooted at path and returns the root Entry. The
// root's Name is always empty; every descendant's Name is its bare file or
// directory name (not a path). Symlinks and special files (devices,
// sockets, FIFOs) are skipped — for directories, silently omitted from
// Children; a root that is itself a symlink or special file is an error.
// Per-entry stat failures on children (permission denied, a symlink broken
// between readdir and stat) are swallowed rather than failing the scan.
func Tree(path string) (*Entry, error) {
	return scanEntry(path, "")
}

func scanEntry(path, name string) (*Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	perm := uint32(info.Mode().Perm())

	switch {
	case info.Mode().IsRegular():
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return &Entry{
			Name:        name,
			Permissions: perm,
			Size:        uint64(len(data)),
			Data:        data,
		}, nil

	case info.IsDir():
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("readdir %s: %w", path, err)
		}

		slots := make([]*Entry, len(dirEntries))
		var g errgroup.Group
		g.SetLimit(scanConcurrency)
		for i, de := range dirEntries {
			if de.Type()&os.ModeSymlink != 0 {
				continue
			}
			i, de := i, de
			g.Go(func() error {
				childPath := filepath.Join(path, de.Name())
				child, err := scanEntry(childPath, de.Name())
				if err != nil {
					// Swallow per-entry failures: broken symlink, permission
					// denied, special file, or a race with another writer.
					return nil
				}
				slots[i] = child
				return nil
			})
		}
		// scanEntry never returns a non-nil error from within a goroutine
		// above; Wait only surfaces a scheduling-level failure, which
		// cannot happen here.
		_ = g.Wait()

		children := make([]*Entry, 0, len(slots))
		for _, c := range slots {
			if c != nil {
				children = append(children, c)
			}
		}
		sort.Slice(children, func(i, j int) bool {
			return children[i].Name < children[j].Name
		})

		return &Entry{
			Name:        name,
			Permissions: perm,
			IsDir:       true,
			Children:    children,
		}, nil

	default:
		return nil, fmt.Errorf("%s: special file, not supported", path)
	}
}
