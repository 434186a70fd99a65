// Package remotetest provides an in-memory remote.Source for tests.
package remotetest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/remote"
	"github.com/jmgilman/go/errors"
)

// Source serves registered links from memory. Fetches can be held open with
// Hold so tests can observe in-flight state deterministically.
type Source struct {
	mu      sync.Mutex
	content map[string][]byte
	errs    map[string]error
	gate    chan struct{}
	started chan string

	documents atomic.Int64
	images    atomic.Int64
}

var _ remote.Source = (*Source)(nil)

// New returns an empty source.
func New() *Source {
	return &Source{
		content: make(map[string][]byte),
		errs:    make(map[string]error),
		started: make(chan string, 64),
	}
}

// Set registers the body served for link.
func (s *Source) Set(link string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[link] = body
	delete(s.errs, link)
}

// Fail makes every fetch of link return err.
func (s *Source) Fail(link string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[link] = err
}

// Hold blocks subsequent fetches until Release is called.
func (s *Source) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held fetches.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Started receives the link of every fetch as it begins, before any hold.
func (s *Source) Started() <-chan string {
	return s.started
}

// DocumentFetches returns how many document fetches were made.
func (s *Source) DocumentFetches() int64 {
	return s.documents.Load()
}

// ImageFetches returns how many image fetches were made.
func (s *Source) ImageFetches() int64 {
	return s.images.Load()
}

// FetchDocument implements remote.Source.
func (s *Source) FetchDocument(ctx context.Context, d artifact.Descriptor) (*remote.Payload, error) {
	s.documents.Add(1)
	return s.fetch(ctx, d.DatasheetLink)
}

// FetchImage implements remote.Source.
func (s *Source) FetchImage(ctx context.Context, d artifact.Descriptor) (*remote.Payload, error) {
	s.images.Add(1)
	return s.fetch(ctx, d.ImageLink)
}

func (s *Source) fetch(ctx context.Context, link string) (*remote.Payload, error) {
	select {
	case s.started <- link:
	default:
	}

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.CodeTimeout, "fetch cancelled")
		}
	}

	s.mu.Lock()
	body, ok := s.content[link]
	err := s.errs[link]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "no content for %s", link)
	}
	return &remote.Payload{
		Body: io.NopCloser(&ctxReader{ctx: ctx, r: bytes.NewReader(body)}),
		Size: int64(len(body)),
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
