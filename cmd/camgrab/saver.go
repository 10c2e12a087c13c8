package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/pixbuf"
)

// Saver writes grabbed images to disk in the configured codec.
//
// Safe for concurrent use.
type Saver struct {
	dir     string
	codec   pixbuf.Codec
	quality int

	seq     atomic.Uint64
	saved   atomic.Uint64
	dropped atomic.Uint64
}

// NewSaver creates dir if needed and validates codec.
func NewSaver(dir, codec string, quality int) (*Saver, error) {
	c, err := pixbuf.ParseCodec(codec)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Saver{dir: dir, codec: c, quality: quality}, nil
}

// snapshotName builds frame_{seq:06d}_{timestamp}.{ext}, e.g.
// frame_000042_20251105_234517.123.png. ts is in microseconds.
func snapshotName(seq uint64, ts int64, codec pixbuf.Codec) string {
	return fmt.Sprintf("frame_%06d_%s.%s",
		seq,
		time.UnixMicro(ts).UTC().Format("20060102_150405.000"),
		codec.Ext())
}

// Save writes img into the output directory and returns the file path.
func (s *Saver) Save(img *camerasink.Image, ts int64) (string, error) {
	seq := s.seq.Add(1)
	path := filepath.Join(s.dir, snapshotName(seq, ts, s.codec))
	if err := writeImage(path, img, s.codec, s.quality); err != nil {
		s.dropped.Add(1)
		return "", err
	}
	s.saved.Add(1)
	return path, nil
}

// Stats returns saved and dropped counts.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}

// writeImage encodes img to path. A partially written file is removed.
func writeImage(path string, img *camerasink.Image, codec pixbuf.Codec, quality int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := pixbuf.Encode(file, img, codec, quality); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
