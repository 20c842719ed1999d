package store

import (
	"context"

	"github.com/open-experiments/x402-trust/internal/model"
)

// Get* methods return (nil, nil) when the record does not exist.

// ReputationStore persists profiles and everything the reputation engine
// derives from them.
type ReputationStore interface {
	GetProvider(ctx context.Context, providerID string) (*model.ProviderProfile, error)
	PutProvider(ctx context.Context, p model.ProviderProfile) error
	ListProviders(ctx context.Context) ([]model.ProviderProfile, error)

	GetBuyer(ctx context.Context, buyerID string) (*model.BuyerProfile, error)
	PutBuyer(ctx context.Context, b model.BuyerProfile) error

	// Humanity-proof hashes are single-use across all addresses.
	IsProofUsed(ctx context.Context, proofHash string) (bool, error)
	MarkProofUsed(ctx context.Context, proofHash string) error

	GetFlag(ctx context.Context, flagID string) (*model.Flag, error)
	PutFlag(ctx context.Context, f model.Flag) error
	ListFlagsByTarget(ctx context.Context, targetID string) ([]model.Flag, error)

	GetAppeal(ctx context.Context, appealID string) (*model.Appeal, error)
	GetAppealByFlag(ctx context.Context, flagID string) (*model.Appeal, error)
	PutAppeal(ctx context.Context, a model.Appeal) error

	GetImport(ctx context.Context, entityID string) (*model.ImportedReputation, error)
	PutImport(ctx context.Context, imp model.ImportedReputation) error

	// Directed payment-flow edges for wash-trading detection. Amounts are
	// decimal strings; GetFlow returns "0" for a missing edge.
	GetFlow(ctx context.Context, from, to string) (string, error)
	PutFlow(ctx context.Context, from, to, amount string) error
}

// EscrowStore persists payment records.
type EscrowStore interface {
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	PutPayment(ctx context.Context, p model.Payment) error
	ListPaymentsByBuyer(ctx context.Context, buyerID string, limit int) ([]model.Payment, error)
}

// DisputeStore persists disputes, the arbitrator pool, and votes.
type DisputeStore interface {
	GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error)
	PutDispute(ctx context.Context, d model.Dispute) error

	GetArbitrator(ctx context.Context, arbitratorID string) (*model.Arbitrator, error)
	PutArbitrator(ctx context.Context, a model.Arbitrator) error
	ListActiveArbitrators(ctx context.Context) ([]model.Arbitrator, error)
	CountArbitrators(ctx context.Context) (int, error)

	GetVote(ctx context.Context, disputeID, arbitratorID string) (*model.Vote, error)
	PutVote(ctx context.Context, v model.Vote) error
	ListVotes(ctx context.Context, disputeID string) ([]model.Vote, error)
}

// Store aggregates the three entity families behind one handle so main can
// wire a single backend.
type Store interface {
	ReputationStore
	EscrowStore
	DisputeStore

	Close() error
}
