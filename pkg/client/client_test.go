package client

import (
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
)

// startTestDaemon serves the handler on a throwaway unix socket and returns
// a client pointed at it.
func startTestDaemon(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "dcal.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", sock, err)
	}

	srv := &http.Server{Handler: handler}
	go srv.Serve(l) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })

	return NewClient(sock)
}

func TestGetVersion(t *testing.T) {
	c := startTestDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`"1.2.3"`)) //nolint:errcheck
	}))

	got, err := c.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion returned error: %v", err)
	}
	if got != "1.2.3" {
		t.Fatalf("GetVersion = %q, want 1.2.3", got)
	}
}

func TestGetVersionMalformedBody(t *testing.T) {
	for name, body := range map[string]string{
		"empty":    "",
		"bare":     `x`,
		"unclosed": `"1.2`,
	} {
		c := startTestDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(body)) //nolint:errcheck
		}))

		if _, err := c.GetVersion(); err == nil {
			t.Fatalf("expected error for %s body", name)
		}
	}
}

func TestGetSessionMapsNotFound(t *testing.T) {
	c := startTestDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no session has been started", http.StatusNotFound)
	}))

	_, err := c.GetSession()
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error %v does not unwrap to ErrNotFound", err)
	}
}
