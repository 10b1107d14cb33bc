// Package webhook implements signed decision-event delivery with a
// per-destination-host circuit breaker, jittered exponential backoff,
// and an append-only NDJSON dead-letter queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPClient is the injectable collaborator seam for outbound webhook
// delivery.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sign computes the v1 signature headers, and additionally the legacy
// v0 signature when dualSign is true.
func Sign(secret string, ts int64, body []byte, dualSign bool) http.Header {
	h := http.Header{}
	h.Set("X-Guardrail-Timestamp", strconv.FormatInt(ts, 10))

	v1mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(v1mac, "%d\n", ts)
	v1mac.Write(body)
	h.Set("X-Guardrail-Signature-V1", "sha256="+hex.EncodeToString(v1mac.Sum(nil)))

	if dualSign {
		v0mac := hmac.New(sha256.New, []byte(secret))
		v0mac.Write(body)
		h.Set("X-Guardrail-Signature", "sha256="+hex.EncodeToString(v0mac.Sum(nil)))
	}
	return h
}

// Outcome classifies one delivery attempt's result.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetry     Outcome = "retry"
	OutcomeAbort     Outcome = "abort"
	OutcomeFailed    Outcome = "failed"
)

func classify(statusCode int, err error) Outcome {
	if err != nil {
		return OutcomeRetry // network/timeout
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeProcessed
	case statusCode == 429:
		return OutcomeRetry
	case statusCode >= 500:
		return OutcomeRetry
	case statusCode >= 400:
		return OutcomeAbort
	default:
		return OutcomeAbort
	}
}

// Delivery wires together the breaker, signer, backoff policy, and DLQ;
// one Delivery serves every destination URL passed to Deliver.
type Delivery struct {
	Client        HTTPClient
	Breakers      *BreakerRegistry
	DLQ           *DLQ
	Secret        string
	DualSign      bool
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxHorizon    time.Duration
	clock         func() time.Time

	onAbort func(reason string) // metrics hook: webhook_abort_total
}

// NewDelivery constructs a Delivery with the given collaborators.
func NewDelivery(client HTTPClient, breakers *BreakerRegistry, dlq *DLQ, secret string, dualSign bool) *Delivery {
	return &Delivery{
		Client: client, Breakers: breakers, DLQ: dlq, Secret: secret, DualSign: dualSign,
		BaseBackoff: 200 * time.Millisecond, MaxBackoff: 30 * time.Second, MaxHorizon: 15 * time.Minute,
		clock: time.Now,
	}
}

// WithClock overrides the delivery's time source for deterministic tests.
func (d *Delivery) WithClock(clock func() time.Time) *Delivery {
	d.clock = clock
	return d
}

// OnAbort registers the webhook_abort_total metrics hook.
func (d *Delivery) OnAbort(fn func(reason string)) { d.onAbort = fn }

// Deliver POSTs event to destURL, retrying per the breaker/backoff
// policy, and writes to the DLQ on exhaustion or an open breaker.
func (d *Delivery) Deliver(ctx context.Context, destURL, host string, event []byte) Outcome {
	horizonDeadline := d.clock().Add(d.MaxHorizon)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.BaseBackoff
	bo.MaxInterval = d.MaxBackoff

	attempt := 0
	for {
		// Breaker is re-checked before every retry attempt.
		decision := d.Breakers.Allow(host)
		if decision.Skip {
			d.abort("cb_open", event)
			return OutcomeAbort
		}

		outcome := d.attempt(ctx, destURL, event)
		switch outcome {
		case OutcomeProcessed:
			d.Breakers.RecordSuccess(host)
			return OutcomeProcessed
		case OutcomeAbort:
			d.Breakers.RecordFailure(host)
			d.abort("non_retryable_status", event)
			return OutcomeAbort
		case OutcomeRetry:
			d.Breakers.RecordFailure(host)
		}

		attempt++
		if d.clock().After(horizonDeadline) {
			d.abort("horizon_exceeded", event)
			return OutcomeFailed
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			d.abort("backoff_exhausted", event)
			return OutcomeFailed
		}
		if remaining := time.Until(horizonDeadline); remaining < delay {
			delay = remaining
		}
		if delay <= 0 {
			d.abort("horizon_exceeded", event)
			return OutcomeFailed
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.abort("cancelled", event)
			return OutcomeFailed
		case <-timer.C:
		}
	}
}

func (d *Delivery) attempt(ctx context.Context, destURL string, event []byte) Outcome {
	ts := d.clock().Unix()
	headers := Sign(d.Secret, ts, event, d.DualSign)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destURL, bytes.NewReader(event))
	if err != nil {
		return OutcomeAbort
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return classify(0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return classify(resp.StatusCode, nil)
}

func (d *Delivery) abort(reason string, event []byte) {
	if d.onAbort != nil {
		d.onAbort(reason)
	}
	if d.DLQ != nil {
		_ = d.DLQ.Write(reason, event)
	}
}
