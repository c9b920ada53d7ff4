package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a state-changing decision worth reconstructing later.
type AuditEventType string

const (
	// Safety decisions
	AuditPolicyReject AuditEventType = "policy_reject"
	AuditRobotsDeny   AuditEventType = "robots_deny"
	AuditRateLimited  AuditEventType = "rate_limited"

	// Prompt lifecycle
	AuditCandidateWritten AuditEventType = "candidate_written"
	AuditCandidatePruned  AuditEventType = "candidate_pruned"
	AuditPromoted         AuditEventType = "promoted"
	AuditPromotionReject  AuditEventType = "promotion_rejected"

	// Self-update lifecycle
	AuditPatchApplied AuditEventType = "patch_applied"
	AuditPatchSkipped AuditEventType = "patch_skipped"
	AuditPatchKept    AuditEventType = "patch_kept"
	AuditRollback     AuditEventType = "rollback"

	// Cycle lifecycle
	AuditCycleStart AuditEventType = "cycle_start"
	AuditCycleEnd   AuditEventType = "cycle_end"
)

// AuditEvent is a structured audit record. Zero-valued fields are omitted.
type AuditEvent struct {
	Type     AuditEventType
	Target   string // URL, prompt path, or patched file
	Reason   string
	Score    float64
	Duration time.Duration
	Fields   map[string]interface{}
}

// Audit emits an event on the audit category. Audit entries are written at
// info level so they survive the default configuration.
func Audit(ev AuditEvent) {
	if !IsCategoryEnabled(CategoryAudit) {
		return
	}
	fields := make([]zap.Field, 0, 5+len(ev.Fields))
	fields = append(fields, zap.String("event", string(ev.Type)))
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Score != 0 {
		fields = append(fields, zap.Float64("score", ev.Score))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	Get(CategoryAudit).With(fields...).Info("audit")
}

// AuditPolicy records a rejected URL.
func AuditPolicy(event AuditEventType, url, reason string) {
	Audit(AuditEvent{Type: event, Target: url, Reason: reason})
}
