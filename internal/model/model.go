// Package model wraps the generative model behind a small interface the
// orchestrator and summarizer consume. The production implementation
// drives Genkit; tests substitute scripted generators.
package model

import (
	"context"

	"github.com/firebase/genkit/go/ai"
)

// Chunk is one incremental unit of streamed model output.
type Chunk struct {
	Text string
}

// StreamFunc receives each chunk as soon as the model produces it.
// Returning an error stops the stream.
type StreamFunc func(ctx context.Context, chunk Chunk) error

// Generator produces model output. Stream drives incremental
// generation, forwarding every chunk through fn and returning the full
// accumulated text; Complete is the single-shot path the summarizer
// uses.
type Generator interface {
	Stream(ctx context.Context, msgs []*ai.Message, fn StreamFunc) (string, error)
	Complete(ctx context.Context, prompt string) (string, error)
}
