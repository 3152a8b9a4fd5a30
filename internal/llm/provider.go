// Package llm abstracts the language-model backend behind a small Provider
// interface so the tutoring engine never depends on a concrete vendor API.
package llm

import (
	"context"
	"fmt"
)

// Provider is a single blocking text-generation backend.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenerationError wraps any failure of the underlying backend, including an
// empty response. One failed call yields one user-visible error; no retry.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("llm: %s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
