package viewcache

import (
	"log/slog"

	"github.com/e7canasta/camerasink/internal/frame"
)

// Cache holds the last constructed view and the fingerprint it was built
// from.
//
// Building a view is cheap compared to a decode but not free; in the steady
// state the source keeps handing out the same buffer with the same
// dimensions, so one view serves every frame until the layout changes
// (resolution switch, format change, buffer reallocation after a reconnect).
//
// Not safe for concurrent use; owned by a single sink.
type Cache struct {
	view     *View
	fp       frame.Fingerprint
	rebuilds uint64
}

// Resolve returns a view describing raw.
//
// If raw's fingerprint equals the cached one, the cached *View is returned
// with its lease renewed for the current generation. Otherwise exactly one
// new view is built and cached.
func (c *Cache) Resolve(raw *frame.RawFrame, lease Lease) *View {
	fp := raw.Fingerprint()

	if c.view != nil && c.fp == fp {
		c.view.gen = lease.Generation()
		// The source may reslice a reused buffer; keep the header current
		c.view.data = raw.Buffer.Data
		return c.view
	}

	c.view = newView(raw, lease)
	c.fp = fp
	c.rebuilds++

	slog.Debug("viewcache: view rebuilt",
		"fingerprint", fp.String(),
		"view", c.view.String(),
		"rebuilds", c.rebuilds,
	)

	return c.view
}

// Current returns the cached view, or nil.
func (c *Cache) Current() *View {
	return c.view
}

// Fingerprint returns the fingerprint of the cached view.
func (c *Cache) Fingerprint() (frame.Fingerprint, bool) {
	return c.fp, c.view != nil
}

// Rebuilds returns how many views have been built.
func (c *Cache) Rebuilds() uint64 {
	return c.rebuilds
}

// Invalidate drops the cached view. The dropped view is also marked stale so
// a caller still holding it cannot read a released buffer.
func (c *Cache) Invalidate() {
	if c.view != nil {
		c.view.lease = nil
		c.view.data = nil
	}
	c.view = nil
	c.fp = frame.Fingerprint{}
}
