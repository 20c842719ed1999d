package store

import (
	"context"
	"errors"
	"time"

	"github.com/open-experiments/x402-trust/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store over MongoDB, one collection per entity family.
type MongoStore struct {
	providers   *mongo.Collection
	buyers      *mongo.Collection
	usedProofs  *mongo.Collection
	flags       *mongo.Collection
	appeals     *mongo.Collection
	imports     *mongo.Collection
	flows       *mongo.Collection
	payments    *mongo.Collection
	disputes    *mongo.Collection
	arbitrators *mongo.Collection
	votes       *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		providers:   db.Collection("providers"),
		buyers:      db.Collection("buyers"),
		usedProofs:  db.Collection("used_proofs"),
		flags:       db.Collection("flags"),
		appeals:     db.Collection("appeals"),
		imports:     db.Collection("imports"),
		flows:       db.Collection("flows"),
		payments:    db.Collection("payments"),
		disputes:    db.Collection("disputes"),
		arbitrators: db.Collection("arbitrators"),
		votes:       db.Collection("votes"),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.flags.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "target_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.appeals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "flag_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.payments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "buyer", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = s.votes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "dispute_id", Value: 1}, {Key: "arbitrator_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) GetProvider(ctx context.Context, providerID string) (*model.ProviderProfile, error) {
	var p model.ProviderProfile
	if err := findOne(ctx, s.providers, bson.M{"_id": providerID}, &p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) PutProvider(ctx context.Context, p model.ProviderProfile) error {
	return replaceOne(ctx, s.providers, bson.M{"_id": p.ProviderID}, p)
}

func (s *MongoStore) ListProviders(ctx context.Context) ([]model.ProviderProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.providers.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.ProviderProfile
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) GetBuyer(ctx context.Context, buyerID string) (*model.BuyerProfile, error) {
	var b model.BuyerProfile
	if err := findOne(ctx, s.buyers, bson.M{"_id": buyerID}, &b); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (s *MongoStore) PutBuyer(ctx context.Context, b model.BuyerProfile) error {
	return replaceOne(ctx, s.buyers, bson.M{"_id": b.BuyerID}, b)
}

func (s *MongoStore) IsProofUsed(ctx context.Context, proofHash string) (bool, error) {
	var doc bson.M
	if err := findOne(ctx, s.usedProofs, bson.M{"_id": proofHash}, &doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) MarkProofUsed(ctx context.Context, proofHash string) error {
	return replaceOne(ctx, s.usedProofs, bson.M{"_id": proofHash}, bson.M{"_id": proofHash, "used_at": time.Now().UTC()})
}

func (s *MongoStore) GetFlag(ctx context.Context, flagID string) (*model.Flag, error) {
	var f model.Flag
	if err := findOne(ctx, s.flags, bson.M{"_id": flagID}, &f); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (s *MongoStore) PutFlag(ctx context.Context, f model.Flag) error {
	return replaceOne(ctx, s.flags, bson.M{"_id": f.FlagID}, f)
}

func (s *MongoStore) ListFlagsByTarget(ctx context.Context, targetID string) ([]model.Flag, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.flags.Find(ctx, bson.M{"target_id": targetID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.Flag
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) GetAppeal(ctx context.Context, appealID string) (*model.Appeal, error) {
	var a model.Appeal
	if err := findOne(ctx, s.appeals, bson.M{"_id": appealID}, &a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) GetAppealByFlag(ctx context.Context, flagID string) (*model.Appeal, error) {
	var a model.Appeal
	if err := findOne(ctx, s.appeals, bson.M{"flag_id": flagID}, &a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) PutAppeal(ctx context.Context, a model.Appeal) error {
	return replaceOne(ctx, s.appeals, bson.M{"_id": a.AppealID}, a)
}

func (s *MongoStore) GetImport(ctx context.Context, entityID string) (*model.ImportedReputation, error) {
	var imp model.ImportedReputation
	if err := findOne(ctx, s.imports, bson.M{"_id": entityID}, &imp); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &imp, nil
}

func (s *MongoStore) PutImport(ctx context.Context, imp model.ImportedReputation) error {
	return replaceOne(ctx, s.imports, bson.M{"_id": imp.EntityID}, imp)
}

func (s *MongoStore) GetFlow(ctx context.Context, from, to string) (string, error) {
	var doc struct {
		Amount string `bson:"amount"`
	}
	if err := findOne(ctx, s.flows, bson.M{"_id": from + "|" + to}, &doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "0", nil
		}
		return "", err
	}
	return doc.Amount, nil
}

func (s *MongoStore) PutFlow(ctx context.Context, from, to, amount string) error {
	return replaceOne(ctx, s.flows, bson.M{"_id": from + "|" + to},
		bson.M{"_id": from + "|" + to, "amount": amount})
}

func (s *MongoStore) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := findOne(ctx, s.payments, bson.M{"_id": paymentID}, &p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) PutPayment(ctx context.Context, p model.Payment) error {
	return replaceOne(ctx, s.payments, bson.M{"_id": p.PaymentID}, p)
}

func (s *MongoStore) ListPaymentsByBuyer(ctx context.Context, buyerID string, limit int) ([]model.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.payments.Find(ctx, bson.M{"buyer": buyerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.Payment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	var d model.Dispute
	if err := findOne(ctx, s.disputes, bson.M{"_id": disputeID}, &d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *MongoStore) PutDispute(ctx context.Context, d model.Dispute) error {
	return replaceOne(ctx, s.disputes, bson.M{"_id": d.DisputeID}, d)
}

func (s *MongoStore) GetArbitrator(ctx context.Context, arbitratorID string) (*model.Arbitrator, error) {
	var a model.Arbitrator
	if err := findOne(ctx, s.arbitrators, bson.M{"_id": arbitratorID}, &a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) PutArbitrator(ctx context.Context, a model.Arbitrator) error {
	return replaceOne(ctx, s.arbitrators, bson.M{"_id": a.ArbitratorID}, a)
}

func (s *MongoStore) ListActiveArbitrators(ctx context.Context) ([]model.Arbitrator, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.arbitrators.Find(ctx, bson.M{"active": true},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.Arbitrator
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CountArbitrators(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := s.arbitrators.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func (s *MongoStore) GetVote(ctx context.Context, disputeID, arbitratorID string) (*model.Vote, error) {
	var v model.Vote
	if err := findOne(ctx, s.votes, bson.M{"dispute_id": disputeID, "arbitrator_id": arbitratorID}, &v); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (s *MongoStore) PutVote(ctx context.Context, v model.Vote) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.votes.ReplaceOne(ctx,
		bson.M{"dispute_id": v.DisputeID, "arbitrator_id": v.ArbitratorID},
		v, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ListVotes(ctx context.Context, disputeID string) ([]model.Vote, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.votes.Find(ctx, bson.M{"dispute_id": disputeID},
		options.Find().SetSort(bson.D{{Key: "arbitrator_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.Vote
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	// The mongo client is shared and closed by main.
	return nil
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return coll.FindOne(ctx, filter).Decode(out)
}

func replaceOne(ctx context.Context, coll *mongo.Collection, filter bson.M, doc any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}
