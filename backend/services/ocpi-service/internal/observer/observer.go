// Package observer carries request/response notifications from the HTTP layer to whoever
// wants them: logs, metrics, the live monitor.
package observer

import (
	"context"
	"time"
)

// Exchange describes an inbound OCPI request.
type Exchange struct {
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Method        string    `json:"method"`
	Route         string    `json:"route"`
	Path          string    `json:"path"`
	Caller        string    `json:"caller,omitempty"`
	FromParty     string    `json:"from_party,omitempty"`
	ToParty       string    `json:"to_party,omitempty"`
	Started       time.Time `json:"started"`
}

// Outcome is what the request produced.
type Outcome struct {
	Status   int           `json:"status"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Observer is notified around every handled request.
type Observer interface {
	OnRequest(ctx context.Context, ex Exchange)
	OnResponse(ctx context.Context, ex Exchange, out Outcome)
}

// Multi fans notifications out to several observers in order.
type Multi []Observer

func (m Multi) OnRequest(ctx context.Context, ex Exchange) {
	for _, o := range m {
		o.OnRequest(ctx, ex)
	}
}

func (m Multi) OnResponse(ctx context.Context, ex Exchange, out Outcome) {
	for _, o := range m {
		o.OnResponse(ctx, ex, out)
	}
}

// Nop ignores everything.
type Nop struct{}

func (Nop) OnRequest(context.Context, Exchange)           {}
func (Nop) OnResponse(context.Context, Exchange, Outcome) {}
