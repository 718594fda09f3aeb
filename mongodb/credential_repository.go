package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

// CredentialRepositoryMongo implements domain.CredentialRepository using
// MongoDB. Encryption-at-rest of token material is the storage layer's
// concern (encrypted volume / CSFLE); token values never appear in logs.
type CredentialRepositoryMongo struct {
	collection *mongo.Collection
}

// NewCredentialRepositoryMongo creates the repository and ensures a
// partial unique index so at most one non-revoked record exists per key.
func NewCredentialRepositoryMongo(ctx context.Context, db *mongo.Database) (*CredentialRepositoryMongo, error) {
	repo := &CredentialRepositoryMongo{
		collection: db.Collection(CredentialsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "key.tenant", Value: 1},
				{Key: "key.provider", Value: 1},
				{Key: "key.account", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"revoked": false}),
		},
		{
			Keys:    bson.D{{Key: "revoked", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index(),
		},
	}

	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for oauth_credentials collection (might already exist)")
	}

	return repo, nil
}

func keyFilter(key domain.CredentialKey) bson.M {
	return bson.M{
		"key.tenant":   key.Tenant,
		"key.provider": key.Provider,
		"key.account":  key.Account,
	}
}

// Get returns the live record for the key when one exists, otherwise the
// most recently created revoked one.
func (r *CredentialRepositoryMongo) Get(ctx context.Context, key domain.CredentialKey) (*domain.CredentialRecord, error) {
	filter := keyFilter(key)
	filter["revoked"] = false

	var record domain.CredentialRecord
	err := r.collection.FindOne(ctx, filter).Decode(&record)
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		log.Error().Err(err).Str("credential", key.String()).Msg("Error getting credential from MongoDB")
		return nil, err
	}

	delete(filter, "revoked")
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err = r.collection.FindOne(ctx, filter, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, serrors.ErrCredentialNotFound
		}
		log.Error().Err(err).Str("credential", key.String()).Msg("Error getting credential from MongoDB")
		return nil, err
	}
	return &record, nil
}

// Put upserts the live record for the key. The replace is guarded on
// last_refreshed so a delayed caller cannot clobber a fresher token; a
// lost race surfaces as ErrConflict.
func (r *CredentialRepositoryMongo) Put(ctx context.Context, record *domain.CredentialRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	filter := keyFilter(record.Key)
	filter["revoked"] = false
	filter["last_refreshed"] = bson.M{"$lte": record.LastRefreshed}

	opts := options.Replace()
	result, err := r.collection.ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		log.Error().Err(err).Str("credential", record.Key.String()).Msg("Error replacing credential in MongoDB")
		return err
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// Nothing matched: either no live record exists yet (insert), or the
	// live record is newer than ours (conflict).
	liveFilter := keyFilter(record.Key)
	liveFilter["revoked"] = false
	count, err := r.collection.CountDocuments(ctx, liveFilter)
	if err != nil {
		return err
	}
	if count > 0 {
		return serrors.ErrConflict
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Concurrent first-insert for the same key.
			return serrors.ErrConflict
		}
		log.Error().Err(err).Str("credential", record.Key.String()).Msg("Error inserting credential in MongoDB")
		return err
	}
	return nil
}

// Revoke marks the live record revoked. Idempotent: revoking a key whose
// record is already revoked succeeds without a write.
func (r *CredentialRepositoryMongo) Revoke(ctx context.Context, key domain.CredentialKey) error {
	filter := keyFilter(key)
	filter["revoked"] = false

	update := bson.M{"$set": bson.M{"revoked": true}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		log.Error().Err(err).Str("credential", key.String()).Msg("Error revoking credential in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		count, err := r.collection.CountDocuments(ctx, keyFilter(key))
		if err != nil {
			return err
		}
		if count == 0 {
			return serrors.ErrCredentialNotFound
		}
	}
	return nil
}

func (r *CredentialRepositoryMongo) ListExpiring(ctx context.Context, cutoff time.Time) ([]*domain.CredentialRecord, error) {
	filter := bson.M{
		"revoked":    false,
		"expires_at": bson.M{"$lt": cutoff},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Error listing expiring credentials from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.CredentialRecord
	if err = cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Error decoding expiring credentials from MongoDB")
		return nil, err
	}
	return records, nil
}

var _ domain.CredentialRepository = (*CredentialRepositoryMongo)(nil)
