package wiretransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/webpubdev/webpub/pkg/wire"
)

func TestAcceptDialRoundTrip(t *testing.T) {
	serverErr := make(chan error, 1)
	serverGotAuth := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		e, err := conn.ReadEnvelope()
		if err != nil {
			serverErr <- err
			return
		}
		if e.Kind != wire.KindAuth {
			serverErr <- nil
			return
		}
		body, err := wire.DecodeAuth(e)
		if err != nil {
			serverErr <- err
			return
		}
		serverGotAuth <- body.Token

		ok, err := wire.NewAuthOk()
		if err != nil {
			serverErr <- err
			return
		}
		if err := conn.WriteEnvelope(ok); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	auth, err := wire.NewAuth("test-token")
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	if err := conn.WriteEnvelope(auth); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	reply, err := conn.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if reply.Kind != wire.KindAuthOk {
		t.Errorf("reply kind = %d, want %d", reply.Kind, wire.KindAuthOk)
	}

	select {
	case token := <-serverGotAuth:
		if token != "test-token" {
			t.Errorf("server saw token %q, want %q", token, "test-token")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to process auth")
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server handler error: %v", err)
	}
}
