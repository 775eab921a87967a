// Package main implements the webpub CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/webpubdev/webpub/internal/logx"
	"github.com/webpubdev/webpub/pkg/archive"
	"github.com/webpubdev/webpub/pkg/client"
	"github.com/webpubdev/webpub/pkg/httpread"
	"github.com/webpubdev/webpub/pkg/merkle"
	"github.com/webpubdev/webpub/pkg/scan"
	"github.com/webpubdev/webpub/pkg/store"
	"github.com/webpubdev/webpub/pkg/syncserver"
)

var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "archive":
		err = archiveCommand(os.Args[2:])
	case "extract":
		err = extractCommand(os.Args[2:])
	case "serve":
		err = serveCommand(os.Args[2:])
	case "push":
		err = pushCommand(os.Args[2:])
	case "list":
		err = listCommand(os.Args[2:])
	case "rollback":
		err = rollbackCommand(os.Args[2:])
	case "token":
		err = tokenCommand(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// archiveCommand implements `webpub archive <dir> <output>`.
func archiveCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: webpub archive <dir> <output>")
	}
	dir, output := args[0], args[1]

	fmt.Printf("Scanning %s...\n", dir)
	entry, err := scan.Tree(dir)
	if err != nil {
		return fmt.Errorf("scan directory: %w", err)
	}
	tree, chunks := merkle.Build(entry)

	if err := archive.Write(output, tree, chunks); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	fmt.Printf("Created archive: %s\n", output)
	fmt.Printf("  Root hash: %s\n", tree.Hash)
	fmt.Printf("  Chunks: %d\n", len(chunks))
	return nil
}

// extractCommand implements `webpub extract <archive> <output>`.
func extractCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: webpub extract <archive> <output>")
	}
	archivePath, output := args[0], args[1]

	r, err := archive.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	if err := r.Extract(output); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	fmt.Printf("Extracted to: %s\n", output)
	return nil
}

// serveCommand implements `webpub serve <data-dir> <addr>`, running both
// the HTTP read path and the sync server on the same listener, dispatched
// by path: /sync upgrades to the sync protocol, everything else is served
// from the current snapshot.
func serveCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: webpub serve <data-dir> <addr>")
	}
	dataDir, addr := args[0], args[1]

	s, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	logger := logx.Default()
	sync := syncserver.New(s, 10, logger)
	read := httpread.New(s)

	mux := http.NewServeMux()
	mux.Handle("/sync", sync)
	mux.Handle("/", read)

	logger.Info("serving %s on %s", dataDir, addr)
	return http.ListenAndServe(addr, mux)
}

// pushCommand implements `webpub push <dir> <server-url> <hostname>`,
// reading the bearer token from WEBPUB_TOKEN.
func pushCommand(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: webpub push <dir> <server-url> <hostname>")
	}
	dir, serverURL, hostname := args[0], args[1], args[2]

	token := os.Getenv("WEBPUB_TOKEN")
	if token == "" {
		return fmt.Errorf("WEBPUB_TOKEN is not set")
	}

	fmt.Printf("Scanning %s...\n", dir)
	c := client.New(serverURL, token)
	res, err := c.Push(context.Background(), dir, hostname)
	if err != nil {
		return err
	}

	fmt.Printf("  Root hash: %s\n", res.RootHash)
	fmt.Printf("  Chunks: %d total, %d uploaded\n", res.TotalChunks, res.Uploaded)
	fmt.Printf("Deployed snapshot %d\n", res.SnapshotID)
	return nil
}

// listCommand implements `webpub list <server-url> <hostname>`.
func listCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: webpub list <server-url> <hostname>")
	}
	serverURL, hostname := args[0], args[1]

	token := os.Getenv("WEBPUB_TOKEN")
	if token == "" {
		return fmt.Errorf("WEBPUB_TOKEN is not set")
	}

	c := client.New(serverURL, token)
	snapshots, err := c.List(context.Background(), hostname)
	if err != nil {
		return err
	}

	for _, snap := range snapshots {
		marker := " "
		if snap.IsCurrent {
			marker = "*"
		}
		fmt.Printf("%s %d  %s\n", marker, snap.ID, snap.CreatedAt)
	}
	return nil
}

// rollbackCommand implements `webpub rollback <server-url> <hostname> [snapshot-id]`.
func rollbackCommand(args []string) error {
	if len(args) != 2 && len(args) != 3 {
		return fmt.Errorf("usage: webpub rollback <server-url> <hostname> [snapshot-id]")
	}
	serverURL, hostname := args[0], args[1]

	token := os.Getenv("WEBPUB_TOKEN")
	if token == "" {
		return fmt.Errorf("WEBPUB_TOKEN is not set")
	}

	var snapshotID *int64
	if len(args) == 3 {
		id, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid snapshot id %q: %w", args[2], err)
		}
		snapshotID = &id
	}

	c := client.New(serverURL, token)
	id, err := c.Rollback(context.Background(), hostname, snapshotID)
	if err != nil {
		return err
	}

	fmt.Printf("Rolled back to snapshot %d\n", id)
	return nil
}

// tokenCommand implements `webpub token add|list|revoke <data-dir> [token]`.
func tokenCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: webpub token add|list|revoke <data-dir> [token]")
	}
	sub, dataDir := args[0], args[1]

	s, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	switch sub {
	case "add":
		token, err := s.AddToken()
		if err != nil {
			return fmt.Errorf("add token: %w", err)
		}
		fmt.Println(token)
		return nil
	case "list":
		tokens, err := s.ListTokens()
		if err != nil {
			return fmt.Errorf("list tokens: %w", err)
		}
		for _, t := range tokens {
			fmt.Println(t)
		}
		return nil
	case "revoke":
		if len(args) != 3 {
			return fmt.Errorf("usage: webpub token revoke <data-dir> <token>")
		}
		if err := s.RevokeToken(args[2]); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown token subcommand %q", sub)
	}
}

func printVersion() {
	fmt.Printf("webpub %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`webpub v%s - content-addressed static site publisher

Usage:
  webpub <command> [options]

Commands:
  archive    <dir> <output>                          Create archive from directory
  extract    <archive> <output>                       Extract archive to directory
  serve      <data-dir> <addr>                         Serve sites and accept pushes
  push       <dir> <server-url> <hostname>             Push a directory's contents
  list       <server-url> <hostname>                   List a hostname's snapshots
  rollback   <server-url> <hostname> [snapshot-id]      Roll back to a prior snapshot
  token      add|list|revoke <data-dir> [token]         Manage bearer tokens
  version                                               Show version information
  help                                                  Show this help message

The push, list, and rollback commands read the bearer token from the
WEBPUB_TOKEN environment variable.
`, version)
}
