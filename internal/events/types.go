package events

import "time"

// Envelope wraps every published event.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Data           map[string]any `json:"data"`
}

// Event type constants, consumed by external indexers.
const (
	// Reputation events
	EventProviderRegistered = "provider.registered"
	EventScoreUpdated       = "score.updated"
	EventProviderGraduated  = "provider.graduated"
	EventQuarantined        = "entity.quarantined"
	EventQuarantineLifted   = "entity.quarantine_lifted"
	EventFlagSubmitted      = "flag.submitted"
	EventFlagValidated      = "flag.validated"
	EventAppealResolved     = "appeal.resolved"
	EventReputationImported = "reputation.imported"
	EventReputationExported = "reputation.exported"

	// Payment events
	EventPaymentCreated  = "payment.created"
	EventPaymentReleased = "payment.released"
	EventPaymentRefunded = "payment.refunded"
	EventPaymentStuck    = "payment.stuck"
	EventDisputeRaised   = "dispute.raised"

	// Dispute events
	EventDisputeCreated       = "dispute.created"
	EventVoteCommitted        = "vote.committed"
	EventVoteRevealed         = "vote.revealed"
	EventDisputeResolved      = "dispute.resolved"
	EventArbitratorRegistered = "arbitrator.registered"
)

// ProviderRegisteredData is emitted when a provider joins the registry.
type ProviderRegisteredData struct {
	ProviderID string `json:"provider_id"`
	Endpoint   string `json:"endpoint"`
	Tier       string `json:"tier"`
}

// ScoreUpdatedData is emitted on every recalculation that changes a score.
type ScoreUpdatedData struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	PreviousScore int64  `json:"previous_score"`
	NewScore      int64  `json:"new_score"`
}

// PaymentCreatedData is emitted when the vault opens a payment.
type PaymentCreatedData struct {
	PaymentID  string `json:"payment_id"`
	Buyer      string `json:"buyer"`
	Provider   string `json:"provider"`
	Amount     string `json:"amount"`
	UseEscrow  bool   `json:"use_escrow"`
	TimeoutSec int64  `json:"timeout_sec"`
}

// DisputeResolvedData is emitted when a dispute reaches an outcome.
type DisputeResolvedData struct {
	DisputeID string `json:"dispute_id"`
	Outcome   string `json:"outcome"`
}
