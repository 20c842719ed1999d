package model

import "time"

// ProviderTier is the coarse trust category for service providers.
// Newcomer -> Graduated is one-way; Verified is assigned only at registration.
type ProviderTier string

const (
	TierUnregistered ProviderTier = "UNREGISTERED"
	TierNewcomer     ProviderTier = "NEWCOMER"
	TierGraduated    ProviderTier = "GRADUATED"
	TierVerified     ProviderTier = "VERIFIED"
)

// BuyerTier is the coarse trust category for the paying side.
type BuyerTier string

const (
	BuyerTierUnknown  BuyerTier = "UNKNOWN"
	BuyerTierRisky    BuyerTier = "RISKY"
	BuyerTierStandard BuyerTier = "STANDARD"
	BuyerTierReliable BuyerTier = "RELIABLE"
	BuyerTierPremium  BuyerTier = "PREMIUM"
)

type PaymentStatus string

const (
	PaymentStatusNone      PaymentStatus = "NONE"
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
	PaymentStatusDisputed  PaymentStatus = "DISPUTED"
	PaymentStatusStuck     PaymentStatus = "STUCK"
)

type DisputeTrack string

const (
	TrackFast     DisputeTrack = "FAST_TRACK"
	TrackStandard DisputeTrack = "STANDARD"
	TrackComplex  DisputeTrack = "COMPLEX"
)

type DisputePhase string

const (
	PhaseEvidence DisputePhase = "EVIDENCE"
	PhaseVoting   DisputePhase = "VOTING"
	PhaseReveal   DisputePhase = "REVEAL"
	PhaseResolved DisputePhase = "RESOLVED"
)

type DisputeOutcome string

const (
	OutcomePending      DisputeOutcome = "PENDING"
	OutcomeBuyerWins    DisputeOutcome = "BUYER_WINS"
	OutcomeProviderWins DisputeOutcome = "PROVIDER_WINS"
	OutcomeSplit        DisputeOutcome = "SPLIT"
)

type FlagStatus string

const (
	FlagStatusPending    FlagStatus = "PENDING"
	FlagStatusValidated  FlagStatus = "VALIDATED"
	FlagStatusOverturned FlagStatus = "OVERTURNED"
	FlagStatusUpheld     FlagStatus = "UPHELD"
)

type AppealStatus string

const (
	AppealStatusPending    AppealStatus = "PENDING"
	AppealStatusOverturned AppealStatus = "OVERTURNED"
	AppealStatusUpheld     AppealStatus = "UPHELD"
)

// ProviderProfile holds everything the reputation engine knows about a
// provider. Profiles are never deleted; banning is a flag.
type ProviderProfile struct {
	ProviderID   string       `json:"provider_id" bson:"_id"`
	Endpoint     string       `json:"endpoint" bson:"endpoint"`
	Tier         ProviderTier `json:"tier" bson:"tier"`
	Score        int64        `json:"score" bson:"score"`
	RegisteredAt time.Time    `json:"registered_at" bson:"registered_at"`

	TotalTransactions      int64 `json:"total_transactions" bson:"total_transactions"`
	SuccessfulTransactions int64 `json:"successful_transactions" bson:"successful_transactions"`
	DisputedTransactions   int64 `json:"disputed_transactions" bson:"disputed_transactions"`

	TotalVolume      string `json:"total_volume" bson:"total_volume"`           // Decimal as string
	SuccessfulVolume string `json:"successful_volume" bson:"successful_volume"` // Decimal as string

	ResponseTimeTotalSec int64 `json:"response_time_total_sec" bson:"response_time_total_sec"`
	ResponseSamples      int64 `json:"response_samples" bson:"response_samples"`

	// CounterpartyVolume tracks per-buyer volume (decimal strings) for the
	// diversity component and the graduation concentration check.
	CounterpartyVolume map[string]string `json:"counterparty_volume" bson:"counterparty_volume"`

	// Velocity windows.
	DayTxCount    int64     `json:"day_tx_count" bson:"day_tx_count"`
	DayWindowAt   time.Time `json:"day_window_at" bson:"day_window_at"`
	HourTxCount   int64     `json:"hour_tx_count" bson:"hour_tx_count"`
	HourWindowAt  time.Time `json:"hour_window_at" bson:"hour_window_at"`
	BurstTxCount  int64     `json:"burst_tx_count" bson:"burst_tx_count"`
	BurstWindowAt time.Time `json:"burst_window_at" bson:"burst_window_at"`

	SuspiciousCount     int64     `json:"suspicious_count" bson:"suspicious_count"`
	FlaggedForReview    bool      `json:"flagged_for_review" bson:"flagged_for_review"`
	Quarantined         bool      `json:"quarantined" bson:"quarantined"`
	QuarantineEnd       time.Time `json:"quarantine_end,omitempty" bson:"quarantine_end,omitempty"`
	Banned              bool      `json:"banned" bson:"banned"`
	ConfirmedViolations int64     `json:"confirmed_violations" bson:"confirmed_violations"`
	FlagsReceived       int64     `json:"flags_received" bson:"flags_received"`
	AppealsFiled        int64     `json:"appeals_filed" bson:"appeals_filed"`
	AppealsOverturned   int64     `json:"appeals_overturned" bson:"appeals_overturned"`

	HumanVerified  bool   `json:"human_verified" bson:"human_verified"`
	Stake          string `json:"stake" bson:"stake"` // Decimal as string
	StakeWithdrawn bool   `json:"stake_withdrawn" bson:"stake_withdrawn"`

	LastUpdated time.Time `json:"last_updated" bson:"last_updated"`
}

// BuyerProfile is the paying-side mirror of ProviderProfile. Created lazily
// on the buyer's first payment.
type BuyerProfile struct {
	BuyerID        string    `json:"buyer_id" bson:"_id"`
	Tier           BuyerTier `json:"tier" bson:"tier"`
	Score          int64     `json:"score" bson:"score"`
	FirstPaymentAt time.Time `json:"first_payment_at" bson:"first_payment_at"`

	TotalPayments      int64 `json:"total_payments" bson:"total_payments"`
	SuccessfulPayments int64 `json:"successful_payments" bson:"successful_payments"`
	DisputesRaised     int64 `json:"disputes_raised" bson:"disputes_raised"`
	DisputesLost       int64 `json:"disputes_lost" bson:"disputes_lost"`
	Timeouts           int64 `json:"timeouts" bson:"timeouts"`

	TotalVolume string `json:"total_volume" bson:"total_volume"` // Decimal as string

	ConfirmTimeTotalSec int64 `json:"confirm_time_total_sec" bson:"confirm_time_total_sec"`
	ConfirmSamples      int64 `json:"confirm_samples" bson:"confirm_samples"`

	// Rating cross-validation counters.
	HallucinationCount int64 `json:"hallucination_count" bson:"hallucination_count"`
	OutlierCount       int64 `json:"outlier_count" bson:"outlier_count"`
	ConsistentCount    int64 `json:"consistent_count" bson:"consistent_count"`

	Quarantined   bool      `json:"quarantined" bson:"quarantined"`
	QuarantineEnd time.Time `json:"quarantine_end,omitempty" bson:"quarantine_end,omitempty"`
	Flagged       bool      `json:"flagged" bson:"flagged"`

	FlagsGiven      int64 `json:"flags_given" bson:"flags_given"`
	FlagsReceived   int64 `json:"flags_received" bson:"flags_received"`
	FlagsOverturned int64 `json:"flags_overturned" bson:"flags_overturned"`

	LastUpdated time.Time `json:"last_updated" bson:"last_updated"`
}

// Payment is an escrow payment record, owned exclusively by the vault.
type Payment struct {
	PaymentID   string        `json:"payment_id" bson:"_id"`
	Buyer       string        `json:"buyer" bson:"buyer"`
	Provider    string        `json:"provider" bson:"provider"`
	Amount      string        `json:"amount" bson:"amount"` // Decimal as string
	RequestHash string        `json:"request_hash" bson:"request_hash"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	TimeoutSec  int64         `json:"timeout_sec" bson:"timeout_sec"`
	Status      PaymentStatus `json:"status" bson:"status"`
	UseEscrow   bool          `json:"use_escrow" bson:"use_escrow"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`

	// Fallback is the buyer-designated human fallback address allowed to
	// force settlement once the payment is Stuck.
	Fallback  string `json:"fallback,omitempty" bson:"fallback,omitempty"`
	DisputeID string `json:"dispute_id,omitempty" bson:"dispute_id,omitempty"`
	Evidence  string `json:"evidence,omitempty" bson:"evidence,omitempty"`
}

// DeliveryProof is the buyer-submitted proof that releases an escrowed
// payment. Signature checking is a length check only; real signature
// verification is left to the transport layer.
type DeliveryProof struct {
	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash"`
	ResponseSize int64  `json:"response_size"`
	SchemaHash   string `json:"schema_hash,omitempty"`
	Signature    []byte `json:"signature"`
}

// Dispute is a commit-reveal arbitration case over a disputed payment.
type Dispute struct {
	DisputeID string       `json:"dispute_id" bson:"_id"`
	PaymentID string       `json:"payment_id" bson:"payment_id"`
	Buyer     string       `json:"buyer" bson:"buyer"`
	Provider  string       `json:"provider" bson:"provider"`
	Amount    string       `json:"amount" bson:"amount"` // Decimal as string
	Track     DisputeTrack `json:"track" bson:"track"`

	Phase            DisputePhase `json:"phase" bson:"phase"`
	EvidenceDeadline time.Time    `json:"evidence_deadline" bson:"evidence_deadline"`
	VotingDeadline   time.Time    `json:"voting_deadline" bson:"voting_deadline"`
	RevealDeadline   time.Time    `json:"reveal_deadline" bson:"reveal_deadline"`

	BuyerEvidence    []string `json:"buyer_evidence" bson:"buyer_evidence"`
	ProviderEvidence []string `json:"provider_evidence" bson:"provider_evidence"`

	Arbitrators []string       `json:"arbitrators" bson:"arbitrators"`
	Outcome     DisputeOutcome `json:"outcome" bson:"outcome"`

	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// Arbitrator is a staked dispute voter.
type Arbitrator struct {
	ArbitratorID string    `json:"arbitrator_id" bson:"_id"`
	Stake        string    `json:"stake" bson:"stake"` // Decimal as string
	TotalVotes   int64     `json:"total_votes" bson:"total_votes"`
	CorrectVotes int64     `json:"correct_votes" bson:"correct_votes"`
	Active       bool      `json:"active" bson:"active"`
	Bootstrapped bool      `json:"bootstrapped" bson:"bootstrapped"`
	RegisteredAt time.Time `json:"registered_at" bson:"registered_at"`
}

// Vote is one arbitrator's two-phase vote on a dispute.
type Vote struct {
	DisputeID     string     `json:"dispute_id" bson:"dispute_id"`
	ArbitratorID  string     `json:"arbitrator_id" bson:"arbitrator_id"`
	Commitment    string     `json:"commitment" bson:"commitment"`
	Revealed      bool       `json:"revealed" bson:"revealed"`
	VotedForBuyer bool       `json:"voted_for_buyer" bson:"voted_for_buyer"`
	CommittedAt   time.Time  `json:"committed_at" bson:"committed_at"`
	RevealedAt    *time.Time `json:"revealed_at,omitempty" bson:"revealed_at,omitempty"`
}

// Flag is a community report against a provider or buyer. It takes effect
// only once enough validators agree.
type Flag struct {
	FlagID      string     `json:"flag_id" bson:"_id"`
	TargetID    string     `json:"target_id" bson:"target_id"`
	TargetType  string     `json:"target_type" bson:"target_type"` // provider|buyer
	FlaggerID   string     `json:"flagger_id" bson:"flagger_id"`
	Reason      string     `json:"reason" bson:"reason"`
	Status      FlagStatus `json:"status" bson:"status"`
	Validators  []string   `json:"validators" bson:"validators"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty" bson:"validated_at,omitempty"`
}

// Appeal is a staked challenge against a validated flag.
type Appeal struct {
	AppealID   string       `json:"appeal_id" bson:"_id"`
	FlagID     string       `json:"flag_id" bson:"flag_id"`
	Appellant  string       `json:"appellant" bson:"appellant"`
	Stake      string       `json:"stake" bson:"stake"` // Decimal as string
	Status     AppealStatus `json:"status" bson:"status"`
	FiledAt    time.Time    `json:"filed_at" bson:"filed_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// ImportedReputation is reputation carried in from another chain. The
// effective score unlocks on a fixed schedule after import.
type ImportedReputation struct {
	EntityID    string    `json:"entity_id" bson:"_id"`
	EntityType  string    `json:"entity_type" bson:"entity_type"` // provider|buyer
	SourceChain string    `json:"source_chain" bson:"source_chain"`
	SourceScore int64     `json:"source_score" bson:"source_score"`
	ImportedAt  time.Time `json:"imported_at" bson:"imported_at"`
	Frozen      bool      `json:"frozen" bson:"frozen"`
}

// ReputationProof is the portable export tuple consumed by ImportReputation
// on the destination chain.
type ReputationProof struct {
	EntityID    string    `json:"entity_id"`
	Score       int64     `json:"score"`
	EntityType  string    `json:"entity_type"`
	SourceChain string    `json:"source_chain"`
	DestChain   string    `json:"dest_chain"`
	Timestamp   time.Time `json:"timestamp"`
}
