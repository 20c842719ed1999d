package store

import (
	"context"
	"sort"
	"sync"

	"github.com/open-experiments/x402-trust/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the default for
// tests and local runs, and the single-writer backend the serial execution
// model assumes.
type MemoryStore struct {
	mu          sync.RWMutex
	providers   map[string]model.ProviderProfile
	buyers      map[string]model.BuyerProfile
	usedProofs  map[string]bool
	flags       map[string]model.Flag
	appeals     map[string]model.Appeal
	imports     map[string]model.ImportedReputation
	flows       map[string]string // from|to -> decimal string
	payments    map[string]model.Payment
	disputes    map[string]model.Dispute
	arbitrators map[string]model.Arbitrator
	votes       map[string]model.Vote // disputeID|arbitratorID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:   make(map[string]model.ProviderProfile),
		buyers:      make(map[string]model.BuyerProfile),
		usedProofs:  make(map[string]bool),
		flags:       make(map[string]model.Flag),
		appeals:     make(map[string]model.Appeal),
		imports:     make(map[string]model.ImportedReputation),
		flows:       make(map[string]string),
		payments:    make(map[string]model.Payment),
		disputes:    make(map[string]model.Dispute),
		arbitrators: make(map[string]model.Arbitrator),
		votes:       make(map[string]model.Vote),
	}
}

func (s *MemoryStore) GetProvider(ctx context.Context, providerID string) (*model.ProviderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.providers[providerID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutProvider(ctx context.Context, p model.ProviderProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ProviderID] = p
	return nil
}

func (s *MemoryStore) ListProviders(ctx context.Context) ([]model.ProviderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProviderProfile, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *MemoryStore) GetBuyer(ctx context.Context, buyerID string) (*model.BuyerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buyers[buyerID]; ok {
		return &b, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutBuyer(ctx context.Context, b model.BuyerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buyers[b.BuyerID] = b
	return nil
}

func (s *MemoryStore) IsProofUsed(ctx context.Context, proofHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedProofs[proofHash], nil
}

func (s *MemoryStore) MarkProofUsed(ctx context.Context, proofHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usedProofs[proofHash] = true
	return nil
}

func (s *MemoryStore) GetFlag(ctx context.Context, flagID string) (*model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.flags[flagID]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutFlag(ctx context.Context, f model.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[f.FlagID] = f
	return nil
}

func (s *MemoryStore) ListFlagsByTarget(ctx context.Context, targetID string) ([]model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Flag
	for _, f := range s.flags {
		if f.TargetID == targetID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetAppeal(ctx context.Context, appealID string) (*model.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.appeals[appealID]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetAppealByFlag(ctx context.Context, flagID string) (*model.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.appeals {
		if a.FlagID == flagID {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutAppeal(ctx context.Context, a model.Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appeals[a.AppealID] = a
	return nil
}

func (s *MemoryStore) GetImport(ctx context.Context, entityID string) (*model.ImportedReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if imp, ok := s.imports[entityID]; ok {
		return &imp, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutImport(ctx context.Context, imp model.ImportedReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports[imp.EntityID] = imp
	return nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, from, to string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if amt, ok := s.flows[from+"|"+to]; ok {
		return amt, nil
	}
	return "0", nil
}

func (s *MemoryStore) PutFlow(ctx context.Context, from, to, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[from+"|"+to] = amount
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.payments[paymentID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutPayment(ctx context.Context, p model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.PaymentID] = p
	return nil
}

func (s *MemoryStore) ListPaymentsByBuyer(ctx context.Context, buyerID string, limit int) ([]model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Payment
	for _, p := range s.payments {
		if p.Buyer == buyerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.disputes[disputeID]; ok {
		return &d, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutDispute(ctx context.Context, d model.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.DisputeID] = d
	return nil
}

func (s *MemoryStore) GetArbitrator(ctx context.Context, arbitratorID string) (*model.Arbitrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.arbitrators[arbitratorID]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutArbitrator(ctx context.Context, a model.Arbitrator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arbitrators[a.ArbitratorID] = a
	return nil
}

func (s *MemoryStore) ListActiveArbitrators(ctx context.Context) ([]model.Arbitrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Arbitrator
	for _, a := range s.arbitrators {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArbitratorID < out[j].ArbitratorID })
	return out, nil
}

func (s *MemoryStore) CountArbitrators(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arbitrators), nil
}

func (s *MemoryStore) GetVote(ctx context.Context, disputeID, arbitratorID string) (*model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.votes[disputeID+"|"+arbitratorID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutVote(ctx context.Context, v model.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[v.DisputeID+"|"+v.ArbitratorID] = v
	return nil
}

func (s *MemoryStore) ListVotes(ctx context.Context, disputeID string) ([]model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Vote
	for _, v := range s.votes {
		if v.DisputeID == disputeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArbitratorID < out[j].ArbitratorID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
