// Package audit implements append-only NDJSON decision logging plus an
// optional best-effort HTTPS forwarder.
package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// DecisionEntry is one append-only decision-audit record.
type DecisionEntry struct {
	TS            time.Time              `json:"ts"`
	RequestID     string                 `json:"request_id"`
	IncidentID    string                 `json:"incident_id"`
	Tenant        string                 `json:"tenant"`
	Bot           string                 `json:"bot"`
	Family        string                 `json:"family"`
	Mode          string                 `json:"mode"`
	Endpoint      string                 `json:"endpoint"`
	RuleIDs       []string               `json:"rule_ids,omitempty"`
	PolicyVersion string                 `json:"policy_version"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Logger writes append-only NDJSON decision entries and, if a
// Forwarder is configured, best-effort forwards each one.
type Logger struct {
	mu        sync.Mutex
	f         *os.File
	forwarder *Forwarder
	logger    *slog.Logger
	clock     func() time.Time
}

// NewLogger opens (creating if necessary) the NDJSON file at path.
func NewLogger(path string, forwarder *Forwarder, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{f: f, forwarder: forwarder, logger: logger, clock: time.Now}, nil
}

// WithClock overrides the logger's time source for deterministic tests.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Record appends entry to the NDJSON log and, if a forwarder is
// configured, fires a best-effort forward in the background. Never
// blocks the caller on forwarder failure: failures are swallowed, the
// request never waits.
func (l *Logger) Record(ctx context.Context, entry DecisionEntry) error {
	if entry.TS.IsZero() {
		entry.TS = l.clock()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, writeErr := l.f.Write(line)
	l.mu.Unlock()
	if writeErr != nil {
		return writeErr
	}

	if l.forwarder != nil {
		go func() {
			if err := l.forwarder.Forward(context.Background(), line[:len(line)-1]); err != nil {
				l.logger.Debug("audit forward failed", "error", err)
			}
		}()
	}
	return nil
}

// Close flushes and closes the underlying NDJSON file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Forwarder performs the optional HTTPS bearer-token, gzip-body,
// HMAC-signed audit export.
type Forwarder struct {
	Client    *http.Client
	Endpoint  string
	BearerTok string
	Secret    string
	clock     func() time.Time
}

// NewForwarder constructs a Forwarder posting to endpoint.
func NewForwarder(client *http.Client, endpoint, bearerToken, secret string) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{Client: client, Endpoint: endpoint, BearerTok: bearerToken, Secret: secret, clock: time.Now}
}

// WithClock overrides the forwarder's time source for deterministic tests.
func (f *Forwarder) WithClock(clock func() time.Time) *Forwarder {
	f.clock = clock
	return f
}

// Forward gzips body, signs it with HMAC-SHA256 over "ts.body", and
// POSTs it with a bearer token. Any failure is returned to the caller
// for logging only — Record() already treats this as best-effort.
func (f *Forwarder) Forward(ctx context.Context, body []byte) error {
	ts := f.clock().Unix()

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(f.Secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, &gz)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+f.BearerTok)
	req.Header.Set("X-Guardrail-Audit-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Guardrail-Audit-Signature", sig)

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit forward: unexpected status %d", resp.StatusCode)
	}
	return nil
}
