package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tirescan-service/internal/domain/vehicle"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("persistence failure")
)

// SessionRepository is the persistence surface the session service needs.
// Implemented by repository.SessionRepository.
type SessionRepository interface {
	// Create is idempotent: creating an id that already has a record
	// succeeds without touching it.
	Create(ctx context.Context, sessionID string) error
	// GetByID returns (nil, nil) when no record exists.
	GetByID(ctx context.Context, sessionID string) (*vehicle.Session, error)
	Upsert(ctx context.Context, sessionID string, fields vehicle.SessionFields) error
	List(ctx context.Context, limit, offset int) ([]vehicle.Session, error)
}

type SessionService struct {
	repo SessionRepository
	log  zerolog.Logger
}

func NewSessionService(repo SessionRepository, log zerolog.Logger) *SessionService {
	return &SessionService{
		repo: repo,
		log:  log,
	}
}

// NewID generates a sortable 17-digit session identifier in the
// YYYYMMDDHHMMSSmmm format. No backing record is created.
func (s *SessionService) NewID() string {
	now := time.Now()
	return now.Format("20060102150405") + fmt.Sprintf("%03d", now.Nanosecond()/1e6)
}

// ValidFormat reports whether id has the fixed 17-digit shape.
func (s *SessionService) ValidFormat(id string) bool {
	if len(id) != vehicle.SessionIDLength {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Initialize creates an empty record for id.
func (s *SessionService) Initialize(ctx context.Context, id string) error {
	if !s.ValidFormat(id) {
		return fmt.Errorf("%w: malformed session id %q", ErrInvalidInput, id)
	}
	if err := s.repo.Create(ctx, id); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("failed to initialize session")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.log.Info().Str("session_id", id).Msg("session initialized")
	return nil
}

// Validate reports whether id is well formed and has a backing record.
func (s *SessionService) Validate(ctx context.Context, id string) bool {
	if !s.ValidFormat(id) {
		return false
	}
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("failed to validate session")
		return false
	}
	return session != nil
}

func (s *SessionService) Get(ctx context.Context, id string) (*vehicle.Session, error) {
	if !s.ValidFormat(id) {
		return nil, fmt.Errorf("%w: malformed session id %q", ErrInvalidInput, id)
	}
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("failed to load session")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return session, nil
}

// Update merges fields into the session record, creating it when absent.
// Callers are expected to be the only writer for their session id.
func (s *SessionService) Update(ctx context.Context, id string, fields vehicle.SessionFields) error {
	if err := s.repo.Upsert(ctx, id, fields); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("failed to update session")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SessionService) List(ctx context.Context, limit, offset int) ([]vehicle.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	sessions, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return sessions, nil
}
