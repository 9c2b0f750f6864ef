// Package llm provides the inference client used by analysis stages and the
// layered parser that turns free-form model text into structured payloads.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the inference endpoint cannot be reached,
// including while the circuit breaker is open. Stages treat it as a
// transient failure and fall back.
var ErrUnavailable = errors.New("llm: endpoint unavailable")

// Part is one element of a prompt: either a text chunk or a binary
// attachment with its MIME type.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// TextPart builds a text chunk.
func TextPart(text string) Part {
	return Part{Text: text}
}

// BlobPart builds a binary attachment.
func BlobPart(mimeType string, data []byte) Part {
	return Part{MIMEType: mimeType, Data: data}
}

// Client is the inference endpoint. Implementations must honor the context
// deadline; the stage executor supplies one per call.
type Client interface {
	Analyze(ctx context.Context, model string, parts []Part) (string, error)
}
