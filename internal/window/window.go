// Package window assembles the inputs the scorer and the AML detector need
// from storage: the user's profile, the trailing velocity window and the
// monthly window.
package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DefaultMonthlyWindow is the span analyzed by the AML detector.
const DefaultMonthlyWindow = 30 * 24 * time.Hour

// Store is the part of domain.Repository the service reads.
type Store interface {
	ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]domain.Transaction, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// Service builds scoring and AML windows for users.
type Service struct {
	store    Store
	profiles *cache.ProfileCache
	recent   time.Duration
	monthly  time.Duration
}

// NewService creates a window service. profiles may be nil to always read
// from the store.
func NewService(store Store, profiles *cache.ProfileCache, recent, monthly time.Duration) *Service {
	if recent <= 0 {
		recent = time.Hour
	}
	if monthly <= 0 {
		monthly = DefaultMonthlyWindow
	}
	return &Service{
		store:    store,
		profiles: profiles,
		recent:   recent,
		monthly:  monthly,
	}
}

// Profile returns the behavior profile of userID. A user without a stored
// profile gets domain.EmptyProfile.
func (s *Service) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if s.profiles != nil {
		if p, ok := s.profiles.Get(userID); ok {
			return p, nil
		}
	}

	stored, err := s.store.GetProfile(ctx, userID)
	var p domain.Profile
	switch {
	case errors.Is(err, repository.ErrNotFound):
		p = domain.EmptyProfile(userID)
	case err != nil:
		return domain.Profile{}, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	default:
		p = *stored
	}

	if s.profiles != nil {
		s.profiles.Set(p)
	}
	return p, nil
}

// Recent returns the user's transactions in [tx.Timestamp-recent, tx.Timestamp].
func (s *Service) Recent(ctx context.Context, tx domain.Transaction) ([]domain.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx, tx.UserID, tx.Timestamp.Add(-s.recent), tx.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent transactions for %s: %w", tx.UserID, err)
	}
	return txns, nil
}

// Monthly returns the user's transactions in [asOf-monthly, asOf].
func (s *Service) Monthly(ctx context.Context, userID string, asOf time.Time) ([]domain.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx, userID, asOf.Add(-s.monthly), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly transactions for %s: %w", userID, err)
	}
	return txns, nil
}

// ScoringInput loads everything Scorer.Analyze needs for tx.
func (s *Service) ScoringInput(ctx context.Context, tx domain.Transaction) (scoring.Item, error) {
	profile, err := s.Profile(ctx, tx.UserID)
	if err != nil {
		return scoring.Item{}, err
	}
	recent, err := s.Recent(ctx, tx)
	if err != nil {
		return scoring.Item{}, err
	}
	return scoring.Item{Transaction: tx, Profile: profile, Recent: recent}, nil
}
