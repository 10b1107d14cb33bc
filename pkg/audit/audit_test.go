package audit

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAppendsNDJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l, err := NewLogger(path, nil, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(context.Background(), DecisionEntry{
		RequestID: "r1", Tenant: "t1", Bot: "b1", Family: "block",
	}))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"request_id":"r1"`)
}

func TestForwarderNeverBlocksOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	fwd := NewForwarder(http.DefaultClient, "http://127.0.0.1:0/unreachable", "tok", "secret")
	l, err := NewLogger(path, fwd, nil)
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		l.Record(context.Background(), DecisionEntry{RequestID: "r1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on forwarder failure")
	}
}

func TestForwarderSendsGzippedSignedBody(t *testing.T) {
	var gotAuth, gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Content-Encoding")
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		gotBody, _ = io.ReadAll(gz)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fwd := NewForwarder(srv.Client(), srv.URL, "mytoken", "secret")
	err := fwd.Forward(context.Background(), []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer mytoken", gotAuth)
	assert.Equal(t, "gzip", gotEncoding)
	assert.Equal(t, `{"x":1}`, string(gotBody))
}
