package reputation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/open-experiments/x402-trust/internal/events"
	"github.com/open-experiments/x402-trust/internal/model"
)

var (
	ErrWrongChain      = errors.New("proof destined for another chain")
	ErrProofExpired    = errors.New("proof outside validity window")
	ErrUntrustedChain  = errors.New("source chain not trusted")
	ErrAlreadyImported = errors.New("entity already has imported reputation")
)

const proofValidity = time.Hour

// Unlock schedule for imported scores: percentage of the source score that
// counts, by days since import.
func unlockPercent(age time.Duration) int64 {
	switch {
	case age >= 30*24*time.Hour:
		return 100
	case age >= 15*24*time.Hour:
		return 75
	case age >= 7*24*time.Hour:
		return 60
	default:
		return 50
	}
}

// ExportReputation emits a portable proof of the entity's current score for
// consumption on the destination chain.
func (e *Engine) ExportReputation(ctx context.Context, entityID, entityType, destChain string) (*model.ReputationProof, error) {
	var score int64
	var err error
	if entityType == "buyer" {
		score, err = e.GetBuyerScore(ctx, entityID)
	} else {
		score, err = e.GetScore(ctx, entityID)
	}
	if err != nil {
		return nil, err
	}

	proof := model.ReputationProof{
		EntityID:    entityID,
		Score:       score,
		EntityType:  entityType,
		SourceChain: e.chainID,
		DestChain:   destChain,
		Timestamp:   e.now(),
	}
	_ = e.events.Publish(ctx, events.EventReputationExported, map[string]any{
		"entity_id":  entityID,
		"score":      score,
		"dest_chain": destChain,
	})
	return &proof, nil
}

// ImportReputation accepts a proof exported on a trusted chain. The score
// arrives discounted and unlocks on the fixed schedule; local activity can
// always override a stale import.
func (e *Engine) ImportReputation(ctx context.Context, proof model.ReputationProof) (*model.ImportedReputation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if proof.DestChain != e.chainID {
		return nil, ErrWrongChain
	}
	now := e.now()
	if now.Sub(proof.Timestamp) > proofValidity || proof.Timestamp.After(now) {
		return nil, ErrProofExpired
	}
	if !e.trustedChains[proof.SourceChain] {
		return nil, ErrUntrustedChain
	}
	existing, err := e.store.GetImport(ctx, proof.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyImported
	}

	imp := model.ImportedReputation{
		EntityID:    proof.EntityID,
		EntityType:  proof.EntityType,
		SourceChain: proof.SourceChain,
		SourceScore: proof.Score,
		ImportedAt:  now,
	}
	if err := e.store.PutImport(ctx, imp); err != nil {
		return nil, err
	}

	_ = e.events.Publish(ctx, events.EventReputationImported, map[string]any{
		"entity_id":    proof.EntityID,
		"source_chain": proof.SourceChain,
		"source_score": proof.Score,
	})
	slog.InfoContext(ctx, "reputation_imported",
		"entity_id", proof.EntityID,
		"source_chain", proof.SourceChain,
		"source_score", proof.Score,
	)
	return &imp, nil
}

// effectiveImportedScore returns the unlocked imported score for an entity,
// or zero when nothing is imported. A frozen import is pinned to the floor.
func (e *Engine) effectiveImportedScore(ctx context.Context, entityID string) (int64, error) {
	imp, err := e.store.GetImport(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if imp == nil {
		return 0, nil
	}
	if imp.Frozen {
		return MinScore, nil
	}
	pct := unlockPercent(e.now().Sub(imp.ImportedAt))
	return imp.SourceScore * pct / 100, nil
}

// freezeImport permanently pins an entity's imported component to the
// score floor. Triggered by post-import bad behavior.
func (e *Engine) freezeImport(ctx context.Context, entityID string) error {
	imp, err := e.store.GetImport(ctx, entityID)
	if err != nil {
		return err
	}
	if imp == nil || imp.Frozen {
		return nil
	}
	imp.Frozen = true
	if err := e.store.PutImport(ctx, *imp); err != nil {
		return err
	}
	slog.WarnContext(ctx, "imported_reputation_frozen", "entity_id", entityID)
	return nil
}

// FreezeImport is the owner-facing freeze control.
func (e *Engine) FreezeImport(ctx context.Context, caller, entityID string) error {
	if caller != e.owner {
		return ErrOwnerOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freezeImport(ctx, entityID)
}

// GetImport returns the import record for an entity, or nil.
func (e *Engine) GetImport(ctx context.Context, entityID string) (*model.ImportedReputation, error) {
	return e.store.GetImport(ctx, entityID)
}
