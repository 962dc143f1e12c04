// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"
)

// DefaultInterval is how often the rotator checks the spool.
const DefaultInterval = 5 * time.Minute

// Source hands out closed spool segments. Implemented by audit.Queue.
type Source interface {
	RotateSpool() (string, error)
}

// Rotator periodically rotates the spool and ships every pending segment,
// including segments left behind by earlier runs or failed uploads.
type Rotator struct {
	source    Source
	uploader  Uploader
	spoolPath string
	prefix    string
	interval  time.Duration
}

// NewRotator wires a rotator. interval falls back to DefaultInterval when
// non-positive.
func NewRotator(source Source, uploader Uploader, spoolPath, prefix string, interval time.Duration) *Rotator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Rotator{
		source:    source,
		uploader:  uploader,
		spoolPath: spoolPath,
		prefix:    prefix,
		interval:  interval,
	}
}

// Start runs the rotation loop until ctx is cancelled. Call it on its own
// goroutine.
func (r *Rotator) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RotateOnce(ctx); err != nil {
				log.Printf("Audit archive rotation failed: %v", err)
			}
		}
	}
}

// RotateOnce rotates the live spool and uploads all pending segments.
// It returns how many segments were shipped; a segment whose upload fails
// stays on disk for the next pass.
func (r *Rotator) RotateOnce(ctx context.Context) (int, error) {
	if _, err := r.source.RotateSpool(); err != nil {
		return 0, fmt.Errorf("spool rotation failed: %w", err)
	}

	segments, err := filepath.Glob(r.spoolPath + ".*")
	if err != nil {
		return 0, fmt.Errorf("failed to list spool segments: %w", err)
	}

	uploaded := 0
	var lastErr error
	for _, seg := range segments {
		if err := r.ship(ctx, seg); err != nil {
			log.Printf("Failed to archive segment %s: %v", seg, err)
			lastErr = err
			continue
		}
		uploaded++
	}
	return uploaded, lastErr
}

// ship gzips one segment, uploads it under a date-partitioned key, and
// removes the local file.
func (r *Rotator) ship(ctx context.Context, segment string) error {
	data, err := os.ReadFile(segment)
	if err != nil {
		return fmt.Errorf("failed to read segment: %w", err)
	}

	info, err := os.Stat(segment)
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}

	compressed, err := gzipBytes(data)
	if err != nil {
		return fmt.Errorf("failed to compress segment: %w", err)
	}

	key := r.segmentKey(info.ModTime().UTC())
	if err := r.uploader.Upload(ctx, key, compressed); err != nil {
		return err
	}

	if err := os.Remove(segment); err != nil {
		return fmt.Errorf("uploaded %s but failed to remove local copy: %w", key, err)
	}
	log.Printf("Archived audit segment to %s (%d bytes raw, %d compressed)", key, len(data), len(compressed))
	return nil
}

func (r *Rotator) segmentKey(ts time.Time) string {
	name := fmt.Sprintf("audit-%s.jsonl.gz", ts.Format("20060102T150405.000000000Z"))
	return path.Join(r.prefix, ts.Format("2006/01/02"), name)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
