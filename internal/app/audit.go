package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const auditWriteTimeout = 5 * time.Second

// Auditor appends audit records. Failures are logged and never reach the caller.
type Auditor struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewAuditor(st store.Store, logger *slog.Logger, now func() time.Time) *Auditor {
	if now == nil {
		now = time.Now
	}
	return &Auditor{store: st, logger: logger, now: now}
}

func (a *Auditor) record(op domain.AuditOperation, actor uuid.UUID, description string, detail any) *domain.AuditRecord {
	rec := &domain.AuditRecord{
		ID:          uuid.New(),
		Timestamp:   a.now().UTC(),
		Operation:   op,
		Description: description,
		ActorID:     actor,
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			rec.Detail = raw
		}
	}
	return rec
}

// RecordSync writes the record before returning. Used on creation.
func (a *Auditor) RecordSync(ctx context.Context, op domain.AuditOperation, actor uuid.UUID, description string, detail any) {
	rec := a.record(op, actor, description, detail)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := a.store.AppendAudit(ctx, rec); err != nil {
		a.logger.Warn("audit write failed", "operation", op, "actor_id", actor, "error", err)
	}
}

// RecordAsync writes the record in the background.
func (a *Auditor) RecordAsync(ctx context.Context, op domain.AuditOperation, actor uuid.UUID, description string, detail any) {
	rec := a.record(op, actor, description, detail)
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
		defer cancel()
		if err := a.store.AppendAudit(ctx, rec); err != nil {
			a.logger.Error("audit write failed", "operation", op, "actor_id", actor, "error", err)
		}
	}()
}

// Close waits for in-flight asynchronous writes.
func (a *Auditor) Close() {
	a.wg.Wait()
}
