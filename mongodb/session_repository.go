package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

// SessionRepositoryMongo implements domain.SessionRepository using MongoDB.
type SessionRepositoryMongo struct {
	collection *mongo.Collection
}

// NewSessionRepositoryMongo creates the repository and ensures the indexes
// the health observer scans by.
func NewSessionRepositoryMongo(ctx context.Context, db *mongo.Database) (*SessionRepositoryMongo, error) {
	repo := &SessionRepositoryMongo{
		collection: db.Collection(SessionsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "state", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "last_seen", Value: 1}},
			Options: options.Index(),
		},
	}

	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for agent_sessions collection (might already exist)")
	}

	return repo, nil
}

func (r *SessionRepositoryMongo) Get(ctx context.Context, agentID string) (*domain.Session, error) {
	var session domain.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": agentID}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, serrors.ErrSessionNotFound
		}
		log.Error().Err(err).Str("agent_id", agentID).Msg("Error getting session from MongoDB")
		return nil, err
	}
	return &session, nil
}

// Upsert replaces the full document. The replacement is a single atomic
// write, so readers never see fields from two different transitions.
func (r *SessionRepositoryMongo) Upsert(ctx context.Context, session *domain.Session) error {
	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": session.AgentID}, session, opts)
	if err != nil {
		log.Error().Err(err).Str("agent_id", session.AgentID).Msg("Error upserting session in MongoDB")
		return err
	}
	return nil
}

func (r *SessionRepositoryMongo) ListByState(ctx context.Context, state domain.SessionState) ([]*domain.Session, error) {
	return r.list(ctx, bson.M{"state": state})
}

func (r *SessionRepositoryMongo) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	return r.list(ctx, bson.M{
		"state":     domain.SessionStateConnected,
		"last_seen": bson.M{"$lt": cutoff},
	})
}

func (r *SessionRepositoryMongo) list(ctx context.Context, filter bson.M) ([]*domain.Session, error) {
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Error listing sessions from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*domain.Session
	if err = cursor.All(ctx, &sessions); err != nil {
		log.Error().Err(err).Msg("Error decoding listed sessions from MongoDB")
		return nil, err
	}
	return sessions, nil
}

var _ domain.SessionRepository = (*SessionRepositoryMongo)(nil)
