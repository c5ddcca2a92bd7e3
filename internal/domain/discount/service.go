package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ErrInvalidRule wraps validation failures of rule writes.
var ErrInvalidRule = errors.New("invalid discount rule")

// Service administers discount rules.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a rule administration Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// List returns every rule.
func (s *Service) List(ctx context.Context) ([]Rule, error) {
	return s.repo.List(ctx)
}

// Create validates r, assigns an ID and persists it.
func (s *Service) Create(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return errors.Wrap(ErrInvalidRule, err.Error())
	}
	now := s.now().UTC()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.Create(ctx, r); err != nil {
		return errors.Wrap(err, "create rule")
	}
	return nil
}

// Update replaces the mutable fields of an existing rule. Orders that
// already applied it keep their snapshot.
func (s *Service) Update(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return errors.Wrap(ErrInvalidRule, err.Error())
	}
	r.UpdatedAt = s.now().UTC()
	return s.repo.Update(ctx, r)
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
