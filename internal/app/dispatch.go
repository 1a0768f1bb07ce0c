package app

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/circuitbreaker"
)

// Dispatcher runs resolved calls against their provider adapter and feeds
// the outcomes back into the circuit breakers. Buffered calls run under the
// configured total deadline; streaming calls have no overall deadline and
// rely on the transport's first-byte timeout plus the client's context.
type Dispatcher struct {
	breakers *circuitbreaker.Registry // nil disables breaker accounting
	timeout  time.Duration            // total deadline for buffered calls; 0 = none
}

// NewDispatcher returns a Dispatcher. breakers may be nil.
func NewDispatcher(breakers *circuitbreaker.Registry, timeout time.Duration) *Dispatcher {
	return &Dispatcher{breakers: breakers, timeout: timeout}
}

// ChatCompletion forwards a buffered call and records its outcome.
func (d *Dispatcher) ChatCompletion(ctx context.Context, dec *RouteDecision, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	b, err := d.admit(dec.ProviderID)
	if err != nil {
		return nil, err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	resp, err := dec.Provider.ChatCompletion(ctx, req, dec.CallOptions())
	record(b, err)
	return resp, err
}

// ChatCompletionStream opens a streaming call. The returned channel relays
// the upstream frames; the stream outcome reaches the breaker once the
// channel drains.
func (d *Dispatcher) ChatCompletionStream(ctx context.Context, dec *RouteDecision, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	b, err := d.admit(dec.ProviderID)
	if err != nil {
		return nil, err
	}
	ch, err := dec.Provider.ChatCompletionStream(ctx, req, dec.CallOptions())
	if err != nil {
		record(b, err)
		return nil, err
	}
	if b == nil {
		return ch, nil
	}
	out := make(chan gateway.StreamChunk, 8)
	go watchStream(b, ch, out)
	return out, nil
}

// admit claims breaker passage for one call. The router filters on Ready,
// so a refusal here means the breaker tripped in between.
func (d *Dispatcher) admit(providerID string) (*circuitbreaker.Breaker, error) {
	if d.breakers == nil {
		return nil, nil
	}
	b := d.breakers.GetOrCreate(providerID)
	if !b.Allow() {
		return nil, fmt.Errorf("provider %s is cooling down: %w", providerID, gateway.ErrUpstream)
	}
	return b, nil
}

// record feeds one call outcome into the breaker. Zero-weight errors such
// as client mistakes and cancellations count as provider successes.
func record(b *circuitbreaker.Breaker, err error) {
	if b == nil {
		return
	}
	if w := circuitbreaker.ClassifyError(err); w > 0 {
		b.RecordError(w)
	} else {
		b.RecordSuccess()
	}
}

// watchStream forwards frames and settles the breaker when the stream ends.
// The first frame-level error decides the outcome.
func watchStream(b *circuitbreaker.Breaker, in <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)
	var streamErr error
	for chunk := range in {
		if chunk.Err != nil && streamErr == nil {
			streamErr = chunk.Err
		}
		out <- chunk
	}
	record(b, streamErr)
}
