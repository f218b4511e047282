package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/acl"
)

// AuditWriter persists denial and execution records through a bounded
// buffer with retry. Denials are part of the ACL contract: when the
// buffer is full the write happens synchronously instead of being
// dropped.
type AuditWriter struct {
	db      *DB
	denials chan acl.AuditRecord
	execs   chan *ExecutionRecord
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewAuditWriter builds a writer over db with the given buffer size.
func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		denials: make(chan acl.AuditRecord, bufferSize),
		execs:   make(chan *ExecutionRecord, bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the background process loop.
func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record implements acl.AuditSink. Denial records must not be lost, so a
// full buffer degrades to a synchronous write rather than a drop.
func (w *AuditWriter) Record(ctx context.Context, rec acl.AuditRecord) {
	select {
	case w.denials <- rec:
	default:
		log.Warn().Str("audit_id", rec.ID).Msg("audit buffer full, writing denial synchronously")
		w.writeDenialWithRetry(rec)
	}
}

// RecordExecution implements sandbox.ExecutionSink. Execution trail
// entries are best-effort; a full buffer drops with a warning.
func (w *AuditWriter) RecordExecution(id, userID, function, status, codeHash string, duration time.Duration) {
	rec := &ExecutionRecord{
		ID:         id,
		UserID:     userID,
		Function:   function,
		Status:     status,
		CodeHash:   codeHash,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	select {
	case w.execs <- rec:
	default:
		log.Warn().Str("exec_id", id).Msg("execution trail buffer full, dropping entry")
	}
}

// Flush stops the loop and drains remaining entries, bounded by timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.denials:
			w.writeDenialWithRetry(rec)
		case rec := <-w.execs:
			w.writeExecutionWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.denials:
					w.writeDenialWithRetry(rec)
				case rec := <-w.execs:
					w.writeExecutionWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeDenialWithRetry(rec acl.AuditRecord) {
	w.withRetry(rec.ID, func(ctx context.Context) error {
		return w.db.LogAudit(ctx, rec)
	})
}

func (w *AuditWriter) writeExecutionWithRetry(rec *ExecutionRecord) {
	w.withRetry(rec.ID, func(ctx context.Context) error {
		return w.db.LogExecution(ctx, rec)
	})
}

func (w *AuditWriter) withRetry(id string, write func(context.Context) error) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := write(ctx)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("record_id", id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("record_id", id).
				Msg("audit write failed permanently after retries")
		}
	}
}
