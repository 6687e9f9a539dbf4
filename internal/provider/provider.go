// Package provider defines the narrow contracts the orchestration core uses to
// reach external capabilities: text generation, embeddings and evidence
// retrieval.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Namespace identifies a knowledge partition of the corpus.
type Namespace string

const (
	NamespaceLegal Namespace = "legal"
	NamespaceNews  Namespace = "news"
	NamespaceGraph Namespace = "graph"
	NamespaceWeb   Namespace = "web"
)

// EvidenceItem is a retrieved corpus excerpt. It is a value type and is
// never modified after retrieval.
type EvidenceItem struct {
	SourceID  string    `json:"source_id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	URL       string    `json:"url,omitempty"`
	Score     float64   `json:"score"`
	Namespace Namespace `json:"namespace"`
}

type Constraints struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

type RetrievalQuery struct {
	Text      string
	Embedding []float32
	Namespace Namespace
	TopK      int
	Category  string
}

type Generator interface {
	Generate(ctx context.Context, prompt string, constraints Constraints) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Retriever interface {
	Search(ctx context.Context, q RetrievalQuery) ([]EvidenceItem, error)
}

type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
)

// Error is returned by capability implementations. Transient errors may be
// retried, permanent ones (bad request, auth) may not.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrPermanent:
		return e.Kind == Permanent
	}
	return false
}

func NewTransient(providerName string, err error) error {
	return &Error{Provider: providerName, Kind: Transient, Err: err}
}

func NewPermanent(providerName string, err error) error {
	return &Error{Provider: providerName, Kind: Permanent, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
