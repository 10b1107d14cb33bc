package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 15 * time.Second

// ServeSSE streams the bus as Server-Sent Events: on connect it emits
// the historical slice matching f as `event: init` lines, then live
// events as `event: decision` lines, with a `: keep-alive` comment
// every ~15s.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request, f Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range b.Query(f) {
		writeSSEEvent(w, "init", e)
	}
	flusher.Flush()

	ch, unsubscribe, ok := b.Subscribe(64)
	if !ok {
		fmt.Fprintf(w, ": subscriber_limit_reached\n\n")
		flusher.Flush()
		return
	}
	defer unsubscribe()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			if !f.matches(e) {
				continue
			}
			writeSSEEvent(w, "decision", e)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
