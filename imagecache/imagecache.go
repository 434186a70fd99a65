// Package imagecache loads manufacturer images through a disk cache and keeps
// decoded images in memory.
//
// Images are keyed by the file name of their link. At most one load per name
// runs at a time; concurrent callers for the same name share its result.
// Only fully decoded images are ever published, so a caller never receives
// an image that is still being read.
//
// Cached image files are never evicted. Their number is bounded by the
// manufacturers in the catalog.
package imagecache

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync"
	"time"

	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/jmgilman/go/datasheet/artifact"
	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/datasheet/internal/metrics"
	"github.com/jmgilman/go/datasheet/remote"
	"github.com/jmgilman/go/datasheet/store"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single image load.
const DefaultTimeout = 30 * time.Second

// MaxImageBytes bounds the size of a fetched image.
const MaxImageBytes = 16 << 20

// Image is a decoded image.
type Image struct {
	Name   string
	Format string // decoder name, e.g. "png"
	Image  image.Image
}

// Bounds returns the image dimensions.
func (i *Image) Bounds() image.Rectangle {
	return i.Image.Bounds()
}

// Cache loads and holds decoded images.
type Cache struct {
	store   *store.Store
	source  remote.Source
	logger  *logging.Logger
	metrics *metrics.Collector
	timeout time.Duration

	group singleflight.Group

	mu     sync.RWMutex
	images map[string]*Image
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithTimeout bounds each load, independently of the callers waiting on it.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates an image cache storing files in st.
func New(st *store.Store, src remote.Source, opts ...Option) *Cache {
	c := &Cache{
		store:   st,
		source:  src,
		logger:  logging.NewNopLogger(),
		timeout: DefaultTimeout,
		images:  make(map[string]*Image),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("imagecache")
	return c
}

// Peek returns the decoded image for name if it has been loaded.
func (c *Cache) Peek(name string) (*Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[name]
	return img, ok
}

// Len returns the number of decoded images held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

// Load returns the decoded image of d. An image already in memory is returned
// at once; otherwise the cached file is decoded, or the image fetched, cached
// and decoded. A load in progress for the same name is joined rather than
// repeated. Cancelling ctx abandons the wait but not the shared load.
func (c *Cache) Load(ctx context.Context, d artifact.Descriptor) (*Image, error) {
	name := d.ImageFileName()
	if name == "" {
		return nil, errors.WithContext(errors.New(errors.CodeInvalidInput, "descriptor has no image link"), "id", string(d.ID))
	}
	if err := artifact.ID(name).Validate(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "invalid image file name %q", name)
	}
	if img, ok := c.Peek(name); ok {
		return img, nil
	}

	// The load outlives any single caller; it keeps the values of ctx but
	// not its cancellation.
	ch := c.group.DoChan(name, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.load(lctx, d, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Image), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CodeTimeout, "image load abandoned")
	}
}

func (c *Cache) load(ctx context.Context, d artifact.Descriptor, name string) (*Image, error) {
	// A previous flight may have published while this one was queued.
	if img, ok := c.Peek(name); ok {
		return img, nil
	}

	img, err := c.loadCached(ctx, name)
	if err != nil {
		return nil, err
	}
	if img == nil {
		img, err = c.fetch(ctx, d, name)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.images[name] = img
	c.mu.Unlock()
	return img, nil
}

// loadCached decodes the cached file for name. It returns nil without error
// when there is no usable cached copy; an undecodable copy is deleted.
func (c *Cache) loadCached(ctx context.Context, name string) (*Image, error) {
	data, err := c.store.ReadFile(store.CachedImages, name)
	if err != nil {
		if errors.GetCode(err) == errors.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}

	img, err := decode(name, data)
	if err == nil {
		return img, nil
	}

	c.metrics.RecordImageDecodeError()
	c.logger.Warn(ctx, "cached image is corrupt, refetching", "name", name, "error", err.Error())
	if err := c.store.Delete(store.CachedImages, name); err != nil {
		c.logger.Warn(ctx, "failed to delete corrupt image", "name", name, "error", err.Error())
	}
	return nil, nil
}

func (c *Cache) fetch(ctx context.Context, d artifact.Descriptor, name string) (*Image, error) {
	start := time.Now()
	data, err := c.download(ctx, d)
	c.metrics.RecordFetch(artifact.KindImage.String(), time.Since(start), int64(len(data)), err)
	logging.LogFetch(ctx, c.logger, name, int64(len(data)), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	img, err := decode(name, data)
	if err != nil {
		c.metrics.RecordImageDecodeError()
		return nil, artifact.FetchFailed(err, d.ID)
	}

	// The decoded image is usable even if it cannot be cached; it is
	// fetched again next session.
	if _, err := c.store.Write(ctx, store.CachedImages, name, bytes.NewReader(data)); err != nil {
		c.logger.Warn(ctx, "failed to cache image", "name", name, "error", err.Error())
	}
	return img, nil
}

func (c *Cache) download(ctx context.Context, d artifact.Descriptor) ([]byte, error) {
	payload, err := c.source.FetchImage(ctx, d)
	if err != nil {
		return nil, artifact.FetchFailed(err, d.ID)
	}
	defer func() { _ = payload.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(payload.Body, MaxImageBytes+1))
	if err != nil {
		return nil, artifact.FetchFailed(err, d.ID)
	}
	if len(data) > MaxImageBytes {
		return nil, artifact.FetchFailed(
			errors.Newf(errors.CodeInvalidInput, "image exceeds %d bytes", MaxImageBytes),
			d.ID,
		)
	}
	return data, nil
}

func decode(name string, data []byte) (*Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeSchemaFailed, "failed to decode image", map[string]interface{}{
			"name": name,
		})
	}
	return &Image{Name: name, Format: format, Image: img}, nil
}
