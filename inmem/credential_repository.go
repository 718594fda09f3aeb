package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

// CredentialRepository is an in-memory domain.CredentialRepository. It
// keeps revoked records around (audit history is never deleted) and serves
// the newest record per key, preferring a live one.
type CredentialRepository struct {
	mu      sync.RWMutex
	records map[domain.CredentialKey][]*domain.CredentialRecord
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{
		records: make(map[domain.CredentialKey][]*domain.CredentialRecord),
	}
}

func (r *CredentialRepository) Get(_ context.Context, key domain.CredentialKey) (*domain.CredentialRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.records[key]
	if len(recs) == 0 {
		return nil, serrors.ErrCredentialNotFound
	}
	if live := liveRecord(recs); live != nil {
		cp := *live
		return &cp, nil
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

func (r *CredentialRepository) Put(_ context.Context, record *domain.CredentialRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.records[record.Key]
	if live := liveRecord(recs); live != nil {
		if live.LastRefreshed.After(record.LastRefreshed) {
			return serrors.ErrConflict
		}
		cp := *record
		cp.ID = live.ID
		cp.CreatedAt = live.CreatedAt
		*live = cp
		return nil
	}

	cp := *record
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.records[record.Key] = append(recs, &cp)
	return nil
}

func (r *CredentialRepository) Revoke(_ context.Context, key domain.CredentialKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.records[key]
	if len(recs) == 0 {
		return serrors.ErrCredentialNotFound
	}
	if live := liveRecord(recs); live != nil {
		live.Revoked = true
	}
	return nil
}

func (r *CredentialRepository) ListExpiring(_ context.Context, cutoff time.Time) ([]*domain.CredentialRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.CredentialRecord
	for _, recs := range r.records {
		live := liveRecord(recs)
		if live != nil && live.ExpiresAt.Before(cutoff) {
			cp := *live
			out = append(out, &cp)
		}
	}
	return out, nil
}

func liveRecord(recs []*domain.CredentialRecord) *domain.CredentialRecord {
	for _, rec := range recs {
		if !rec.Revoked {
			return rec
		}
	}
	return nil
}

var _ domain.CredentialRepository = (*CredentialRepository)(nil)
