package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Option configures a Service.
type Option func(*Service)

// WithPolicy replaces the default OwnershipPolicy.
func WithPolicy(policy Policy) Option {
	return func(service *Service) {
		service.policy = policy
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(service *Service) {
		service.now = now
	}
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(service *Service) {
		service.newID = newID
	}
}

// Service drives sessions through their lifecycle and keeps the escrow in step.
type Service struct {
	store  Store
	escrow EscrowFactory
	roles  RoleDirectory
	policy Policy
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, escrow EscrowFactory, roles RoleDirectory, options ...Option) (*Service, error) {
	if store == nil || escrow == nil || roles == nil {
		return nil, fmt.Errorf("%w: store, escrow and role directory are required", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		escrow: escrow,
		roles:  roles,
		policy: OwnershipPolicy{},
		now:    time.Now,
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.policy == nil || service.now == nil || service.newID == nil || service.logger == nil {
		return nil, fmt.Errorf("%w: nil option value", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Create books a pending session and holds the price from the student's balance.
func (service *Service) Create(ctx context.Context, actor Actor, request CreateRequest) (Session, error) {
	now := service.now().UTC()
	if request.PriceCredits < MinPriceCredits || request.PriceCredits > MaxPriceCredits {
		return Session{}, fmt.Errorf("%w: must be between %d and %d", ErrInvalidPrice, MinPriceCredits, MaxPriceCredits)
	}
	if request.StudentID.String() == "" || request.LecturerID.String() == "" {
		return Session{}, fmt.Errorf("%w: participants are required", ErrInvalidParticipants)
	}
	if request.StudentID == request.LecturerID {
		return Session{}, ErrInvalidParticipants
	}
	topic := strings.TrimSpace(request.Topic)
	if topic == "" {
		return Session{}, fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if request.ScheduledAt.IsZero() || !request.ScheduledAt.After(now) {
		return Session{}, fmt.Errorf("%w: must be in the future", ErrInvalidSchedule)
	}
	session := Session{
		ID:           service.newID(),
		LecturerID:   request.LecturerID,
		StudentID:    request.StudentID,
		Topic:        topic,
		ScheduledAt:  request.ScheduledAt.UTC(),
		PriceCredits: request.PriceCredits,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !service.policy.Can(actor, ActionCreate, session) {
		return Session{}, ErrUnauthorized
	}
	isLecturer, err := service.roles.HasRole(ctx, request.LecturerID, RoleLecturer)
	if err != nil {
		return Session{}, err
	}
	if !isLecturer {
		return Session{}, fmt.Errorf("%w: %s is not a lecturer", ErrInvalidRole, request.LecturerID.String())
	}
	reference, err := session.Reference()
	if err != nil {
		return Session{}, err
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, txStore TxStore) error {
		if err := txStore.CreateSession(ctx, session); err != nil {
			return err
		}
		_, err := service.escrow(txStore.Ledger()).Hold(ctx, session.StudentID, session.PriceCredits, reference, sessionMetadata(session, ActionCreate, actor))
		return err
	})
	service.logTransition(session, ActionCreate, actor, err)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// Confirm moves a pending session to confirmed.
func (service *Service) Confirm(ctx context.Context, actor Actor, sessionID string) (Session, error) {
	return service.transition(ctx, actor, sessionID, ActionConfirm, StatusUpdate{})
}

// Start moves a confirmed session to in progress.
func (service *Service) Start(ctx context.Context, actor Actor, sessionID string) (Session, error) {
	return service.transition(ctx, actor, sessionID, ActionStart, StatusUpdate{})
}

// Complete finishes a session and pays the held price to the lecturer.
func (service *Service) Complete(ctx context.Context, actor Actor, sessionID string) (Session, error) {
	return service.transition(ctx, actor, sessionID, ActionComplete, StatusUpdate{})
}

// Cancel aborts a session and returns the held price to the student.
func (service *Service) Cancel(ctx context.Context, actor Actor, sessionID string, reason string) (Session, error) {
	update := StatusUpdate{CancelReason: strings.TrimSpace(reason)}
	if actor != nil {
		update.CancelledBy = actor.ID()
	}
	return service.transition(ctx, actor, sessionID, ActionCancel, update)
}

// Get returns a session by id.
func (service *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return service.store.GetSession(ctx, sessionID)
}

// ListForUser returns sessions where userID is a participant, newest first.
func (service *Service) ListForUser(ctx context.Context, userID ledger.UserID, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return service.store.ListSessionsForUser(ctx, userID, limit)
}

func (service *Service) transition(ctx context.Context, actor Actor, sessionID string, action Action, update StatusUpdate) (Session, error) {
	var session Session
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore TxStore) error {
		current, err := txStore.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		session = current
		if !service.policy.Can(actor, action, current) {
			return ErrUnauthorized
		}
		next, err := NextStatus(current.Status, action)
		if err != nil {
			return err
		}
		if err := service.applyEscrow(ctx, txStore, current, action, actor); err != nil {
			return err
		}
		update.UpdatedAt = service.now().UTC()
		if err := txStore.UpdateSessionStatus(ctx, current.ID, current.Status, next, update); err != nil {
			return err
		}
		session.Status = next
		session.UpdatedAt = update.UpdatedAt
		if next == StatusCancelled {
			session.CancelledBy = update.CancelledBy
			session.CancelReason = update.CancelReason
		}
		return nil
	})
	service.logTransition(session, action, actor, err)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (service *Service) applyEscrow(ctx context.Context, txStore TxStore, session Session, action Action, actor Actor) error {
	if action != ActionComplete && action != ActionCancel {
		return nil
	}
	reference, err := session.Reference()
	if err != nil {
		return err
	}
	escrow := service.escrow(txStore.Ledger())
	metadata := sessionMetadata(session, action, actor)
	if action == ActionComplete {
		_, err = escrow.Settle(ctx, reference, session.LecturerID, metadata)
		return err
	}
	_, err = escrow.Release(ctx, reference, metadata)
	return err
}

func (service *Service) logTransition(session Session, action Action, actor Actor, err error) {
	fields := []zap.Field{
		zap.String("session_id", session.ID),
		zap.String("action", string(action)),
		zap.String("status", string(session.Status)),
		zap.Int64("price_credits", session.PriceCredits),
	}
	if actor != nil {
		fields = append(fields, zap.String("actor_id", actor.ID()))
	}
	if err != nil {
		service.logger.Warn("session transition rejected", append(fields, zap.Error(err))...)
		return
	}
	service.logger.Info("session transition", fields...)
}

func sessionMetadata(session Session, action Action, actor Actor) ledger.MetadataJSON {
	values := map[string]string{
		"session_id": session.ID,
		"action":     string(action),
	}
	if actor != nil {
		values["actor_id"] = actor.ID()
	}
	return ledger.MetadataFrom(values)
}
