package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore implements sessions.Store using GORM.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore returns a SessionStore backed by gorm.DB.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// WithTx executes fn within a transaction shared with the ledger.
func (store *SessionStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore sessions.TxStore) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &sessionTx{db: transaction})
	})
}

// GetSession returns a session by id.
func (store *SessionStore) GetSession(ctx context.Context, sessionID string) (sessions.Session, error) {
	return getSession(store.db.WithContext(ctx), sessionID)
}

// ListSessionsForUser returns sessions where userID is a participant, newest first.
func (store *SessionStore) ListSessionsForUser(ctx context.Context, userID ledger.UserID, limit int) ([]sessions.Session, error) {
	var rows []Session
	err := store.db.WithContext(ctx).
		Where("student_id = ? OR lecturer_id = ?", userID.String(), userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	result := make([]sessions.Session, 0, len(rows))
	for _, row := range rows {
		session, err := mapSession(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
		}
		result = append(result, session)
	}
	return result, nil
}

type sessionTx struct {
	db *gorm.DB
}

func (store *sessionTx) Ledger() ledger.Store {
	return &Store{db: store.db, inTx: true}
}

func (store *sessionTx) CreateSession(ctx context.Context, session sessions.Session) error {
	model := Session{
		SessionID:    session.ID,
		LecturerID:   session.LecturerID.String(),
		StudentID:    session.StudentID.String(),
		Topic:        session.Topic,
		ScheduledAt:  session.ScheduledAt.UTC(),
		PriceCredits: session.PriceCredits,
		Status:       string(session.Status),
		CancelledBy:  session.CancelledBy,
		CancelReason: session.CancelReason,
		CreatedAt:    session.CreatedAt.UTC(),
		UpdatedAt:    session.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *sessionTx) GetSessionForUpdate(ctx context.Context, sessionID string) (sessions.Session, error) {
	return getSession(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate}), sessionID)
}

func (store *sessionTx) UpdateSessionStatus(ctx context.Context, sessionID string, from, to sessions.Status, update sessions.StatusUpdate) error {
	values := map[string]interface{}{
		"status":     string(to),
		"updated_at": update.UpdatedAt.UTC(),
	}
	if to == sessions.StatusCancelled {
		values["cancelled_by"] = update.CancelledBy
		values["cancel_reason"] = update.CancelReason
	}
	result := store.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ? AND status = ?", sessionID, string(from)).
		Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeUpdateStatus, sessions.ErrInvalidTransition)
	}
	return nil
}

func getSession(query *gorm.DB, sessionID string) (sessions.Session, error) {
	var model Session
	err := query.Where("session_id = ?", sessionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sessions.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, sessions.ErrUnknownSession)
	}
	if err != nil {
		return sessions.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	session, err := mapSession(model)
	if err != nil {
		return sessions.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return session, nil
}

func mapSession(model Session) (sessions.Session, error) {
	lecturerID, err := ledger.NewUserID(model.LecturerID)
	if err != nil {
		return sessions.Session{}, err
	}
	studentID, err := ledger.NewUserID(model.StudentID)
	if err != nil {
		return sessions.Session{}, err
	}
	status, err := sessions.ParseStatus(model.Status)
	if err != nil {
		return sessions.Session{}, err
	}
	return sessions.Session{
		ID:           model.SessionID,
		LecturerID:   lecturerID,
		StudentID:    studentID,
		Topic:        model.Topic,
		ScheduledAt:  model.ScheduledAt.UTC(),
		PriceCredits: model.PriceCredits,
		Status:       status,
		CancelledBy:  model.CancelledBy,
		CancelReason: model.CancelReason,
		CreatedAt:    model.CreatedAt.UTC(),
		UpdatedAt:    model.UpdatedAt.UTC(),
	}, nil
}
