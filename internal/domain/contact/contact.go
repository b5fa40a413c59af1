// Package contact manages outbound requests to prescribers: refill
// authorizations, clarifications and genetic information.
package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RequestType is what is being asked of the prescriber
type RequestType string

const (
	TypeRefill          RequestType = "refill"
	TypeRxClarification RequestType = "rx_clarification"
	TypeGeneticInfo     RequestType = "genetic_info"
)

// Valid reports whether t is a known request type
func (t RequestType) Valid() bool {
	return t == TypeRefill || t == TypeRxClarification || t == TypeGeneticInfo
}

const (
	StatusPending  = "pending"
	StatusResolved = "resolved"

	DeliveryFax = "fax"
)

var (
	ErrNotFound         = errors.New("contact request not found")
	ErrDuplicateRequest = errors.New("pending contact request already exists")
	ErrInvalidType      = errors.New("unknown contact request type")
)

// Request is a contact_requests row
type Request struct {
	ID             int64
	UserID         int64
	PrescriptionID *int64
	PrescriberID   *int64
	Type           RequestType
	Status         string
	DeliveryMethod string
	Notes          string
	FaxSendCount   int
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// FaxLog is one fax attempt for a request
type FaxLog struct {
	ID        int64
	RequestID int64
	FaxNumber string
	SentBy    string
	SentAt    time.Time
}

// Repository persists contact requests
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id int64) (*Request, error)
	FindPending(ctx context.Context, userID int64, prescriptionID *int64, t RequestType) (*Request, error)
	ListPending(ctx context.Context, limit, offset int) ([]*Request, error)
	LogFax(ctx context.Context, l *FaxLog) error
	IncrementFaxCount(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64, at time.Time) error
}

// Service applies contact request rules
type Service struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a contact service
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create opens a request unless an identical one is still pending
func (s *Service) Create(ctx context.Context, repo Repository, r *Request) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}

	existing, err := repo.FindPending(ctx, r.UserID, r.PrescriptionID, r.Type)
	switch {
	case err == nil:
		return fmt.Errorf("request %d: %w", existing.ID, ErrDuplicateRequest)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("check existing request: %w", err)
	}

	r.Status = StatusPending
	if r.DeliveryMethod == "" {
		r.DeliveryMethod = DeliveryFax
	}
	r.CreatedAt = s.now()
	if err := repo.Create(ctx, r); err != nil {
		return fmt.Errorf("create contact request: %w", err)
	}
	s.logger.Info("contact request created",
		zap.Int64("request_id", r.ID),
		zap.Int64("user_id", r.UserID),
		zap.String("type", string(r.Type)))
	return nil
}

// SendFax records a fax attempt for a pending request
func (s *Service) SendFax(ctx context.Context, repo Repository, id int64, faxNumber, sentBy string) (*FaxLog, error) {
	r, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("request %d is %s", id, r.Status)
	}

	l := &FaxLog{RequestID: id, FaxNumber: faxNumber, SentBy: sentBy, SentAt: s.now()}
	if err := repo.LogFax(ctx, l); err != nil {
		return nil, fmt.Errorf("log fax: %w", err)
	}
	if err := repo.IncrementFaxCount(ctx, id); err != nil {
		return nil, fmt.Errorf("increment fax count: %w", err)
	}
	return l, nil
}

// MarkResolved closes a request
func (s *Service) MarkResolved(ctx context.Context, repo Repository, id int64) error {
	if _, err := repo.Get(ctx, id); err != nil {
		return err
	}
	if err := repo.Resolve(ctx, id, s.now()); err != nil {
		return fmt.Errorf("resolve request %d: %w", id, err)
	}
	return nil
}
