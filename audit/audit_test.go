package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

func TestAsync_FlushesOnClose(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rec := audit.NewAsync(mem, zap.NewNop(), 64)

	for i := 0; i < 10; i++ {
		rec.Record(ctx, ledger.AuditRecord{WorkspaceID: "ws-1", Action: ledger.AuditEntryCreated, EntityType: "journal_entry", EntityID: "e-1"})
	}
	rec.Close()

	records, err := mem.QueryAudit(ctx, ledger.AuditFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, records, 10)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].Timestamp.IsZero())
	assert.NotEqual(t, records[0].ID, records[1].ID)
}

func TestAsync_RecordAfterCloseIsDropped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	core, logs := observer.New(zap.WarnLevel)
	rec := audit.NewAsync(mem, zap.New(core), 4)
	rec.Close()
	rec.Close()

	rec.Record(ctx, ledger.AuditRecord{WorkspaceID: "ws-1", Action: ledger.AuditEntryDeleted})

	records, err := mem.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, logs.FilterMessage("audit recorder closed, dropping record").Len())
}

// failingLog always fails, and blocks until released.
type failingLog struct {
	release chan struct{}
}

func (f *failingLog) AppendAudit(context.Context, ledger.AuditRecord) error {
	<-f.release
	return errors.New("disk full")
}

func (f *failingLog) QueryAudit(context.Context, ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	return nil, nil
}

func TestAsync_FullQueueAndFailuresOnlyLog(t *testing.T) {
	// GIVEN: A writer stuck on a slow failing log and a queue of one
	// WHEN: Recording more than fits
	// THEN: Record never blocks, overflow is dropped, failures are logged

	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	flog := &failingLog{release: make(chan struct{})}
	rec := audit.NewAsync(flog, zap.New(core), 1)

	for i := 0; i < 5; i++ {
		rec.Record(ctx, ledger.AuditRecord{Action: ledger.AuditEntryCreated})
	}
	assert.GreaterOrEqual(t, logs.FilterMessage("audit queue full, dropping record").Len(), 3)

	close(flog.release)
	rec.Close()
	assert.GreaterOrEqual(t, logs.FilterMessage("audit write failed").Len(), 1)
}

func TestDirect_WritesSynchronously(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	audit.Direct{Log: mem}.Record(ctx, ledger.AuditRecord{
		WorkspaceID: "ws-1", Action: ledger.AuditPeriodLocked, EntityType: "fiscal_period", EntityID: "fp-1",
		After: audit.Snapshot(map[string]bool{"locked": true}),
	})

	records, err := mem.QueryAudit(ctx, ledger.AuditFilter{EntityID: "fp-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"locked":true}`, string(records[0].After))
}
