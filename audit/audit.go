/*
audit.go - Audit trail writers

PURPOSE:
  Every mutation of entries, periods and closings emits an audit record.
  The record is written after the primary transaction has committed, and a
  failing audit write never fails or rolls back the primary operation.

DESIGN:
  - Async runs one background goroutine draining a buffered channel
  - Record never blocks: when the buffer is full the record is dropped and
    a warning is logged
  - Close stops accepting records and waits until the buffer is drained
  - Direct writes synchronously; used by the CLI and in tests

USAGE:
  rec := audit.NewAsync(store, logger, 1024)
  defer rec.Close()
  rec.Record(ctx, ledger.AuditRecord{...})

SEE ALSO:
  - ledger/store.go: AuditLog interface
  - api/handlers.go: Audit query endpoint
*/
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// Recorder accepts audit records.
type Recorder interface {
	Record(ctx context.Context, r ledger.AuditRecord)
}

// Snapshot encodes v for the Before/After fields. Encoding failures yield nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// fill sets the id and timestamp when the caller left them empty.
func fill(r ledger.AuditRecord, now func() time.Time) ledger.AuditRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now().UTC()
	}
	return r
}

// =============================================================================
// ASYNC RECORDER
// =============================================================================

// Async writes audit records from a background goroutine.
type Async struct {
	log    ledger.AuditLog
	logger *zap.Logger
	now    func() time.Time

	queue  chan ledger.AuditRecord
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the writer goroutine. buffer is the queue capacity.
func NewAsync(log ledger.AuditLog, logger *zap.Logger, buffer int) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		log:    log,
		logger: logger.Named("audit"),
		now:    time.Now,
		queue:  make(chan ledger.AuditRecord, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues r. It never blocks.
func (a *Async) Record(_ context.Context, r ledger.AuditRecord) {
	r = fill(r, a.now)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("audit recorder closed, dropping record",
			zap.String("action", string(r.Action)), zap.String("entity_id", r.EntityID))
		return
	}

	select {
	case a.queue <- r:
	default:
		a.logger.Warn("audit queue full, dropping record",
			zap.String("action", string(r.Action)), zap.String("entity_id", r.EntityID))
	}
}

// Close stops accepting records and flushes the queue.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Async) run() {
	defer a.wg.Done()
	for r := range a.queue {
		// Detached from the request: the request may be long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.log.AppendAudit(ctx, r); err != nil {
			a.logger.Error("audit write failed",
				zap.Error(err),
				zap.String("workspace_id", string(r.WorkspaceID)),
				zap.String("action", string(r.Action)),
				zap.String("entity_id", r.EntityID))
		}
		cancel()
	}
}

// =============================================================================
// DIRECT RECORDER
// =============================================================================

// Direct writes synchronously and only logs failures.
type Direct struct {
	Log    ledger.AuditLog
	Logger *zap.Logger
}

func (d Direct) Record(ctx context.Context, r ledger.AuditRecord) {
	r = fill(r, time.Now)
	if err := d.Log.AppendAudit(ctx, r); err != nil && d.Logger != nil {
		d.Logger.Error("audit write failed", zap.Error(err), zap.String("action", string(r.Action)))
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, ledger.AuditRecord) {}
