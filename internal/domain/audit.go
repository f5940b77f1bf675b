package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditOperation names the kind of state change that was recorded.
type AuditOperation string

const (
	AuditTransactionCreated   AuditOperation = "TRANSACCION_CREADA"
	AuditTransactionApproved  AuditOperation = "TRANSACCION_APROBADA"
	AuditTransactionRejected  AuditOperation = "TRANSACCION_RECHAZADA"
	AuditScheduleCancelled    AuditOperation = "PROGRAMACION_CANCELADA"
	AuditScheduledExecuted    AuditOperation = "PROGRAMACION_EJECUTADA"
	AuditScheduledFailed      AuditOperation = "PROGRAMACION_FALLIDA"
	AuditScheduledHeld        AuditOperation = "PROGRAMACION_RETENIDA"
	AuditServicePaymentPosted AuditOperation = "PAGO_SERVICIO_CREADO"
)

// AuditRecord is an append-only entry of the audit trail.
type AuditRecord struct {
	ID          uuid.UUID       `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Operation   AuditOperation  `json:"operation"`
	Description string          `json:"description"`
	ActorID     uuid.UUID       `json:"actor_id"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}
