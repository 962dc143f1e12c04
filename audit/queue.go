// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package audit persists one record per moderation invocation without ever
// blocking the request path. Records flow through a bounded in-memory queue
// into a worker pool that batches writes to the configured backend
// (PostgreSQL, MongoDB, or Cassandra). Overflow and write failures land in
// a local JSONL spool file that is replayed on the next startup.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"modgate/platform/metrics"
	"modgate/platform/moderation"
)

// Record persisted by this package; emitted by the moderation engine.
type Record = moderation.AuditRecord

const (
	// DefaultQueueSize bounds the in-memory queue.
	DefaultQueueSize = 1000

	// DefaultWorkers is the number of batch writers.
	DefaultWorkers = 2

	// DefaultBatchSize caps how many records a worker writes at once.
	DefaultBatchSize = 50

	// flushInterval bounds how long a partial batch can sit in a worker.
	flushInterval = time.Second

	writeAttempts = 3
	writeTimeout  = 5 * time.Second

	// maxSpoolLine bounds a single spooled record during recovery.
	maxSpoolLine = 1 << 20
)

// Queue implements moderation.AuditSink on top of a Writer. A nil Writer
// sends every record straight to the spool file, which keeps the gateway
// serving when no audit backend is configured.
type Queue struct {
	queue  chan Record
	writer Writer
	wg     sync.WaitGroup

	spool     *os.File
	spoolPath string
	mu        sync.Mutex // guards spool writes

	closed    atomic.Bool
	closeOnce sync.Once

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue opens the spool file and starts the worker pool. queueSize and
// workers fall back to the defaults when non-positive.
func NewQueue(writer Writer, queueSize, workers int, spoolPath string) (*Queue, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	spool, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit spool: %w", err)
	}

	q := &Queue{
		queue:     make(chan Record, queueSize),
		writer:    writer,
		spool:     spool,
		spoolPath: spoolPath,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	log.Printf("Audit queue started with %d workers (capacity %d, spool: %s)", workers, queueSize, spoolPath)
	return q, nil
}

// Submit enqueues a record for asynchronous persistence. It never blocks:
// when the queue is full or already shut down, the record goes to the
// spool file and the drop is counted. The return value reports whether the
// record was accepted onto the live queue.
func (q *Queue) Submit(rec Record) bool {
	if q.closed.Load() {
		q.drop(rec)
		return false
	}
	select {
	case q.queue <- rec:
		return true
	default:
		q.drop(rec)
		return false
	}
}

func (q *Queue) drop(rec Record) {
	metrics.AuditDropped.Inc()
	q.dropped.Add(1)
	q.mu.Lock()
	err := q.writeSpool(rec)
	q.mu.Unlock()
	if err != nil {
		log.Printf("Audit spool write failed for request %s: %v", rec.RequestID, err)
	}
}

// worker batches records and flushes on size or interval.
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	batch := make([]Record, 0, DefaultBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-q.queue:
			if !ok {
				q.flush(id, batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= DefaultBatchSize {
				q.flush(id, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				q.flush(id, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes a batch with retries, spooling the records if every attempt
// fails. Records are never silently lost between the queue and the spool.
func (q *Queue) flush(workerID int, batch []Record) {
	if len(batch) == 0 {
		return
	}

	if q.writer != nil {
		var err error
		for attempt := 0; attempt < writeAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = q.writer.WriteBatch(ctx, batch)
			cancel()
			if err == nil {
				q.processed.Add(uint64(len(batch)))
				return
			}
			time.Sleep(time.Millisecond * time.Duration(100*(attempt+1)))
		}
		q.failed.Add(uint64(len(batch)))
		metrics.AuditWriteFailures.Add(float64(len(batch)))
		log.Printf("Audit worker %d: batch of %d failed after %d attempts: %v", workerID, len(batch), writeAttempts, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range batch {
		if err := q.writeSpool(rec); err != nil {
			log.Printf("Audit worker %d: spool write failed for request %s: %v", workerID, rec.RequestID, err)
		}
	}
}

// writeSpool appends one record as a JSON line. Callers hold q.mu.
func (q *Queue) writeSpool(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := fmt.Fprintf(q.spool, "%s\n", data); err != nil {
		return fmt.Errorf("failed to append to spool: %w", err)
	}
	return q.spool.Sync()
}

// RecoverSpool replays records spooled by a previous run into the writer,
// then truncates the file. Call it before the gateway takes traffic.
// Malformed lines are skipped and logged; a write failure stops the replay
// and keeps the file, so the next startup tries again.
func (q *Queue) RecoverSpool(ctx context.Context) (int, error) {
	if q.writer == nil {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.spool.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind spool: %w", err)
	}

	scanner := bufio.NewScanner(q.spool)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSpoolLine)

	batch := make([]Record, 0, DefaultBatchSize)
	recovered := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("Skipping malformed spool line: %v", err)
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= DefaultBatchSize {
			if err := q.writer.WriteBatch(ctx, batch); err != nil {
				return recovered, fmt.Errorf("spool replay failed: %w", err)
			}
			recovered += len(batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return recovered, fmt.Errorf("failed to read spool: %w", err)
	}
	if len(batch) > 0 {
		if err := q.writer.WriteBatch(ctx, batch); err != nil {
			return recovered, fmt.Errorf("spool replay failed: %w", err)
		}
		recovered += len(batch)
	}

	if err := q.spool.Truncate(0); err != nil {
		return recovered, fmt.Errorf("failed to truncate spool: %w", err)
	}
	if _, err := q.spool.Seek(0, io.SeekStart); err != nil {
		return recovered, fmt.Errorf("failed to rewind spool: %w", err)
	}

	if recovered > 0 {
		log.Printf("Recovered %d spooled audit records", recovered)
	}
	return recovered, nil
}

// RotateSpool renames the current spool aside as a timestamped segment and
// reopens a fresh file, returning the segment path. An empty spool is left
// in place and "" is returned. The archive rotator calls this on a timer.
func (q *Queue) RotateSpool() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, err := q.spool.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat spool: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	if err := q.spool.Close(); err != nil {
		return "", fmt.Errorf("failed to close spool: %w", err)
	}

	rotated := fmt.Sprintf("%s.%d", q.spoolPath, time.Now().UnixNano())
	renameErr := os.Rename(q.spoolPath, rotated)

	// Reopen regardless of the rename result. On rename failure this
	// reattaches to the original file, so spooled records stay reachable.
	f, err := os.OpenFile(q.spoolPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to reopen spool: %w", err)
	}
	q.spool = f

	if renameErr != nil {
		return "", fmt.Errorf("failed to rotate spool: %w", renameErr)
	}
	return rotated, nil
}

// Shutdown stops accepting records, waits for the workers to drain, and
// closes the spool. If ctx expires first, anything still queued is written
// to the spool so no record is lost.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closed.Store(true)
	q.closeOnce.Do(func() { close(q.queue) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("Audit queue shutdown complete. Processed: %d, Failed: %d, Dropped: %d",
			q.processed.Load(), q.failed.Load(), q.dropped.Load())
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.spool.Close()

	case <-ctx.Done():
		q.mu.Lock()
		pending := 0
		for rec := range q.queue {
			if err := q.writeSpool(rec); err != nil {
				log.Printf("Failed to spool record during shutdown: %v", err)
			}
			pending++
		}
		q.mu.Unlock()
		log.Printf("Audit queue shutdown timed out, spooled %d pending records", pending)
		return ctx.Err()
	}
}

// Stats reports queue counters for the health endpoint.
func (q *Queue) Stats() map[string]interface{} {
	return map[string]interface{}{
		"pending":   len(q.queue),
		"processed": q.processed.Load(),
		"failed":    q.failed.Load(),
		"dropped":   q.dropped.Load(),
	}
}
