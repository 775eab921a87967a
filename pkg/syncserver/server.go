// Package syncserver implements the server side of the sync protocol: a
// connection authenticates with a bearer token, then exchanges chunk and
// snapshot messages until it disconnects.
package syncserver

import (
	"fmt"
	"net/http"

	"github.com/webpubdev/webpub/internal/logx"
	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/merkle"
	"github.com/webpubdev/webpub/pkg/store"
	"github.com/webpubdev/webpub/pkg/wire"
	"github.com/webpubdev/webpub/pkg/wiretransport"
)

// Server holds the persistence layer and serves sync connections.
type Server struct {
	Store *store.Store

	// Keep is a per-site snapshot retention count held for callers; commit
	// handling does not read it and never prunes. Callers wanting pruning
	// invoke store.PruneSnapshots themselves, since retention is never
	// automatic (see store.PruneSnapshots).
	Keep int

	Logger *logx.Logger
}

// New creates a Server over s.
func New(s *store.Store, keep int, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Default()
	}
	return &Server{Store: s, Keep: keep, Logger: logger}
}

// ServeHTTP upgrades the request to a WebSocket sync connection and
// drives it to completion; it never returns until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := logx.NewCorrelationID()

	conn, err := wiretransport.Accept(w, r)
	if err != nil {
		s.Logger.Error("sync[%s]: websocket upgrade failed: %v", connID, err)
		return
	}
	defer conn.Close()

	if err := s.handle(conn, connID); err != nil {
		s.Logger.Error("sync[%s]: %v", connID, err)
	}
}

// handle runs one connection's full Start -> Authenticating -> Ready
// lifecycle.
func (s *Server) handle(conn wiretransport.FrameConn, connID string) error {
	first, err := conn.ReadEnvelope()
	if err != nil {
		return fmt.Errorf("awaiting auth: %w", err)
	}
	if first.Kind != wire.KindAuth {
		return fmt.Errorf("expected Auth, got kind %d", first.Kind)
	}
	auth, err := wire.DecodeAuth(first)
	if err != nil {
		return fmt.Errorf("decoding auth: %w", err)
	}

	ok, err := s.Store.VerifyToken(auth.Token)
	if err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}
	if !ok {
		reply, err := wire.NewAuthFailed()
		if err != nil {
			return err
		}
		_ = conn.WriteEnvelope(reply)
		return fmt.Errorf("invalid token")
	}

	reply, err := wire.NewAuthOk()
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(reply); err != nil {
		return fmt.Errorf("sending AuthOk: %w", err)
	}

	for {
		e, err := conn.ReadEnvelope()
		if err != nil {
			return nil // connection closed
		}
		if err := s.dispatch(conn, e); err != nil {
			return fmt.Errorf("handling kind %d: %w", e.Kind, err)
		}
	}
}

func (s *Server) dispatch(conn wiretransport.FrameConn, e *wire.Envelope) error {
	switch e.Kind {
	case wire.KindHaveChunks:
		return s.handleHaveChunks(conn, e)
	case wire.KindChunkData:
		return s.handleChunkData(conn, e)
	case wire.KindCommitTree:
		return s.handleCommitTree(conn, e)
	case wire.KindListSnapshots:
		return s.handleListSnapshots(conn, e)
	case wire.KindRollback:
		return s.handleRollback(conn, e)
	default:
		return nil
	}
}

func (s *Server) handleHaveChunks(conn wiretransport.FrameConn, e *wire.Envelope) error {
	body, err := wire.DecodeHaveChunks(e)
	if err != nil {
		return err
	}
	have, err := s.Store.HasChunks(body.Digests)
	if err != nil {
		return fmt.Errorf("checking chunks: %w", err)
	}
	haveSet := make(map[chunk.Digest]bool, len(have))
	for _, d := range have {
		haveSet[d] = true
	}
	var need []chunk.Digest
	for _, d := range body.Digests {
		if !haveSet[d] {
			need = append(need, d)
		}
	}
	reply, err := wire.NewNeedChunks(need)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(reply)
}

func (s *Server) handleChunkData(conn wiretransport.FrameConn, e *wire.Envelope) error {
	body, err := wire.DecodeChunkData(e)
	if err != nil {
		return err
	}
	if err := s.Store.PutChunk(body.Digest, body.Data); err != nil {
		return fmt.Errorf("storing chunk %s: %w", body.Digest, err)
	}
	reply, err := wire.NewChunkAck(body.Digest)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(reply)
}

func (s *Server) handleCommitTree(conn wiretransport.FrameConn, e *wire.Envelope) error {
	body, err := wire.DecodeCommitTree(e)
	if err != nil {
		return err
	}

	if missing := countMissingChunks(s.Store, body.Tree); missing > 0 {
		reply, err := wire.NewCommitFailed(fmt.Sprintf("Missing %d chunks", missing))
		if err != nil {
			return err
		}
		return conn.WriteEnvelope(reply)
	}

	snapshotID, err := s.Store.CreateSnapshot(body.Hostname, body.Tree)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}

	s.Logger.Info("sync: deployed %s snapshot %d", body.Hostname, snapshotID)

	reply, err := wire.NewCommitOk(snapshotID)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(reply)
}

func (s *Server) handleListSnapshots(conn wiretransport.FrameConn, e *wire.Envelope) error {
	body, err := wire.DecodeListSnapshots(e)
	if err != nil {
		return err
	}
	snaps, err := s.Store.ListSnapshots(body.Hostname)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	summaries := make([]wire.SnapshotSummary, len(snaps))
	for i, snap := range snaps {
		summaries[i] = wire.SnapshotSummary{
			ID:        snap.ID,
			CreatedAt: snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			IsCurrent: snap.IsCurrent,
		}
	}
	reply, err := wire.NewSnapshotList(summaries)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(reply)
}

func (s *Server) handleRollback(conn wiretransport.FrameConn, e *wire.Envelope) error {
	body, err := wire.DecodeRollback(e)
	if err != nil {
		return err
	}

	targetID := int64(0)
	if body.SnapshotID != nil {
		targetID = *body.SnapshotID
	} else {
		prev, ok, err := s.Store.PreviousSnapshot(body.Hostname)
		if err != nil {
			return fmt.Errorf("finding previous snapshot: %w", err)
		}
		if !ok {
			reply, err := wire.NewRollbackFailed("No previous snapshot to rollback to")
			if err != nil {
				return err
			}
			return conn.WriteEnvelope(reply)
		}
		targetID = prev
	}

	ok, err := s.Store.SetCurrentSnapshot(body.Hostname, targetID)
	if err != nil {
		return fmt.Errorf("setting current snapshot: %w", err)
	}
	if !ok {
		reply, err := wire.NewRollbackFailed("Snapshot not found")
		if err != nil {
			return err
		}
		return conn.WriteEnvelope(reply)
	}

	s.Logger.Info("sync: rolled back %s to snapshot %d", body.Hostname, targetID)

	reply, err := wire.NewRollbackOk(targetID)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(reply)
}

// countMissingChunks walks tree and counts how many referenced chunk
// digests are absent from the store.
func countMissingChunks(s *store.Store, node *merkle.Node) int {
	missing := 0
	merkle.Walk(node, func(n *merkle.Node) {
		if n.IsDir() {
			return
		}
		for _, d := range n.Chunks {
			data, err := s.GetChunk(d)
			if err != nil || data == nil {
				missing++
			}
		}
	})
	return missing
}
