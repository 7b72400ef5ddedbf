package domain

import "context"

// AuditSink receives every completed AggregateDecision for the append-only
// audit trail. Implementations must treat the decision as immutable; the
// engine's responsibility ends once the record is handed over.
type AuditSink interface {
	RecordDecision(ctx context.Context, tenantID string, d *AggregateDecision) error
}
