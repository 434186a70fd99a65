// Package remote defines the source artifacts are fetched from and provides
// an HTTP implementation.
package remote

import (
	"context"
	"io"

	"github.com/jmgilman/go/datasheet/artifact"
)

// Payload is a fetched artifact body.
type Payload struct {
	Body io.ReadCloser
	Size int64 // -1 when the source does not announce a length
}

// Source fetches artifact bytes. Implementations must honour ctx
// cancellation and return platform errors classified as retryable for
// transient failures.
type Source interface {
	FetchDocument(ctx context.Context, d artifact.Descriptor) (*Payload, error)
	FetchImage(ctx context.Context, d artifact.Descriptor) (*Payload, error)
}
