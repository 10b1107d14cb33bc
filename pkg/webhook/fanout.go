package webhook

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/guardrail-labs/guardrail-gateway/pkg/bus"
)

// Fanout drains a decision-bus subscription and delivers every event to
// each configured destination. Delivery failures end in the per-host
// breaker and the DLQ, never back on the bus; a saturated fan-out
// simply loses bus events under backpressure, matching the bus's
// non-blocking publish contract.
type Fanout struct {
	Delivery     *Delivery
	Destinations []string
}

// NewFanout constructs a Fanout over the given delivery and destination
// URL list.
func NewFanout(d *Delivery, destinations []string) *Fanout {
	return &Fanout{Delivery: d, Destinations: destinations}
}

// Run consumes events until ch closes or ctx is cancelled. Each event
// is marshalled once and delivered to every destination in order.
func (f *Fanout) Run(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			for _, dest := range f.Destinations {
				f.Delivery.Deliver(ctx, dest, destHost(dest), body)
			}
		}
	}
}

// destHost extracts the breaker key (destination host) from a
// destination URL, falling back to the raw string when it does not
// parse as a URL.
func destHost(dest string) string {
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return dest
	}
	return u.Host
}
