// Package client drives the publish-side half of the sync protocol: scan a
// directory, negotiate which chunks the server is missing, upload them, and
// commit the resulting tree as a new snapshot. It also offers the thin
// List/Rollback request/response helpers used by the CLI.
package client

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/merkle"
	"github.com/webpubdev/webpub/pkg/scan"
	"github.com/webpubdev/webpub/pkg/wire"
	"github.com/webpubdev/webpub/pkg/wiretransport"
)

// haveChunksBatchSize is the number of digests negotiated per HaveChunks
// round trip.
const haveChunksBatchSize = 100

// uploadConcurrency bounds how many chunk-upload connections run at once.
const uploadConcurrency = 4

// Client talks to one sync server under one bearer token.
type Client struct {
	ServerURL string
	Token     string
}

// New returns a Client for serverURL authenticating with token.
func New(serverURL, token string) *Client {
	return &Client{ServerURL: serverURL, Token: token}
}

func (c *Client) connectAndAuth(ctx context.Context) (wiretransport.FrameConn, error) {
	conn, err := wiretransport.Dial(ctx, c.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.ServerURL, err)
	}

	auth, err := wire.NewAuth(c.Token)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteEnvelope(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	reply, err := conn.ReadEnvelope()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Kind {
	case wire.KindAuthOk:
		return conn, nil
	case wire.KindAuthFailed:
		conn.Close()
		return nil, fmt.Errorf("authentication failed")
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected reply kind %d to auth", reply.Kind)
	}
}

// PushResult summarizes a completed Push.
type PushResult struct {
	SnapshotID  int64
	TotalChunks int
	Uploaded    int
	RootHash    chunk.Digest
}

// Push scans dir, negotiates and uploads missing chunks, and commits the
// resulting tree as hostname's new current snapshot.
func (c *Client) Push(ctx context.Context, dir, hostname string) (*PushResult, error) {
	entry, err := scan.Tree(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	tree, chunks := merkle.Build(entry)

	conn, err := c.connectAndAuth(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	byDigest := make(map[chunk.Digest]chunk.Chunk, len(chunks))
	for _, ch := range chunks {
		byDigest[ch.Digest] = ch
	}

	var needed []chunk.Digest
	for i := 0; i < len(chunks); i += haveChunksBatchSize {
		end := i + haveChunksBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]
		digests := make([]chunk.Digest, len(batch))
		for j, ch := range batch {
			digests[j] = ch.Digest
		}

		msg, err := wire.NewHaveChunks(digests)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteEnvelope(msg); err != nil {
			return nil, fmt.Errorf("send have-chunks: %w", err)
		}
		reply, err := conn.ReadEnvelope()
		if err != nil {
			return nil, fmt.Errorf("read need-chunks: %w", err)
		}
		if reply.Kind != wire.KindNeedChunks {
			return nil, fmt.Errorf("unexpected reply kind %d to have-chunks", reply.Kind)
		}
		body, err := wire.DecodeNeedChunks(reply)
		if err != nil {
			return nil, err
		}
		needed = append(needed, body.Digests...)
	}

	if err := c.uploadChunks(ctx, needed, byDigest); err != nil {
		return nil, err
	}

	commit, err := wire.NewCommitTree(hostname, tree)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteEnvelope(commit); err != nil {
		return nil, fmt.Errorf("send commit-tree: %w", err)
	}
	reply, err := conn.ReadEnvelope()
	if err != nil {
		return nil, fmt.Errorf("read commit reply: %w", err)
	}
	switch reply.Kind {
	case wire.KindCommitOk:
		body, err := wire.DecodeCommitOk(reply)
		if err != nil {
			return nil, err
		}
		return &PushResult{
			SnapshotID:  body.SnapshotID,
			TotalChunks: len(chunks),
			Uploaded:    len(needed),
			RootHash:    tree.Hash,
		}, nil
	case wire.KindCommitFailed:
		body, err := wire.DecodeCommitFailed(reply)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("commit failed: %s", body.Reason)
	default:
		return nil, fmt.Errorf("unexpected reply kind %d to commit-tree", reply.Kind)
	}
}

// uploadChunks sends every needed digest's bytes over a small pool of
// concurrent authenticated connections; the control connection stays free
// to negotiate the commit once uploads finish.
func (c *Client) uploadChunks(ctx context.Context, needed []chunk.Digest, byDigest map[chunk.Digest]chunk.Chunk) error {
	if len(needed) == 0 {
		return nil
	}

	workers := uploadConcurrency
	if len(needed) < workers {
		workers = len(needed)
	}

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan chunk.Digest)

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			conn, err := c.connectAndAuth(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			for d := range jobs {
				ch, ok := byDigest[d]
				if !ok {
					return fmt.Errorf("server requested unknown chunk %s", d)
				}
				msg, err := wire.NewChunkData(d, ch.Data)
				if err != nil {
					return err
				}
				if err := conn.WriteEnvelope(msg); err != nil {
					return fmt.Errorf("upload chunk %s: %w", d, err)
				}
				reply, err := conn.ReadEnvelope()
				if err != nil {
					return fmt.Errorf("read ack for chunk %s: %w", d, err)
				}
				if reply.Kind != wire.KindChunkAck {
					return fmt.Errorf("unexpected reply kind %d uploading chunk %s", reply.Kind, d)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, d := range needed {
			select {
			case jobs <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// List returns hostname's snapshot history, most recent first.
func (c *Client) List(ctx context.Context, hostname string) ([]wire.SnapshotSummary, error) {
	conn, err := c.connectAndAuth(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg, err := wire.NewListSnapshots(hostname)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteEnvelope(msg); err != nil {
		return nil, fmt.Errorf("send list-snapshots: %w", err)
	}
	reply, err := conn.ReadEnvelope()
	if err != nil {
		return nil, fmt.Errorf("read snapshot list: %w", err)
	}
	if reply.Kind != wire.KindSnapshotList {
		return nil, fmt.Errorf("unexpected reply kind %d to list-snapshots", reply.Kind)
	}
	body, err := wire.DecodeSnapshotList(reply)
	if err != nil {
		return nil, err
	}
	return body.Snapshots, nil
}

// Rollback requests hostname roll back to snapshotID, or to the previous
// snapshot if snapshotID is nil. Returns the id that is now current.
func (c *Client) Rollback(ctx context.Context, hostname string, snapshotID *int64) (int64, error) {
	conn, err := c.connectAndAuth(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	msg, err := wire.NewRollback(hostname, snapshotID)
	if err != nil {
		return 0, err
	}
	if err := conn.WriteEnvelope(msg); err != nil {
		return 0, fmt.Errorf("send rollback: %w", err)
	}
	reply, err := conn.ReadEnvelope()
	if err != nil {
		return 0, fmt.Errorf("read rollback reply: %w", err)
	}
	switch reply.Kind {
	case wire.KindRollbackOk:
		body, err := wire.DecodeRollbackOk(reply)
		if err != nil {
			return 0, err
		}
		return body.SnapshotID, nil
	case wire.KindRollbackFailed:
		body, err := wire.DecodeRollbackFailed(reply)
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("rollback failed: %s", body.Reason)
	default:
		return 0, fmt.Errorf("unexpected reply kind %d to rollback", reply.Kind)
	}
}
