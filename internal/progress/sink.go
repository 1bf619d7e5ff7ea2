package progress

import "context"

// Sink receives batches from the Hub. Consume runs on the Hub goroutine with a
// per-call deadline; Close is called once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side used by the orchestrator and enrichment workers.
type Emitter interface {
	Emit(evt Event)
}
