package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/gin-gonic/gin"
)

type sessionAction string

const (
	actionConfirm  sessionAction = "confirm"
	actionStart    sessionAction = "start"
	actionComplete sessionAction = "complete"
	actionCancel   sessionAction = "cancel"
)

type createSessionRequest struct {
	LecturerID   string    `json:"lecturer_id"`
	Topic        string    `json:"topic"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	PriceCredits int64     `json:"price_credits"`
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

type sessionPayload struct {
	ID           string    `json:"id"`
	LecturerID   string    `json:"lecturer_id"`
	StudentID    string    `json:"student_id"`
	Topic        string    `json:"topic"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	PriceCredits int64     `json:"price_credits"`
	Status       string    `json:"status"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (handler *httpHandler) handleCreateSession(ctx *gin.Context) {
	actor, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	var request createSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	lecturerID, err := ledger.NewUserID(request.LecturerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	session, err := handler.dependencies.Sessions.Create(requestCtx, actor, sessions.CreateRequest{
		LecturerID:   lecturerID,
		StudentID:    userID,
		Topic:        request.Topic,
		ScheduledAt:  request.ScheduledAt,
		PriceCredits: request.PriceCredits,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": newSessionPayload(session)})
}

func (handler *httpHandler) handleListSessions(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	limit, ok := queryLimit(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	list, err := handler.dependencies.Sessions.ListForUser(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]sessionPayload, 0, len(list))
	for _, session := range list {
		payload = append(payload, newSessionPayload(session))
	}
	ctx.JSON(http.StatusOK, gin.H{"sessions": payload})
}

func (handler *httpHandler) handleGetSession(ctx *gin.Context) {
	actor, _, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	session, err := handler.dependencies.Sessions.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !session.Participant(actor.ID()) && !actor.HasRole(sessions.RoleAdmin) {
		handler.respondError(ctx, sessions.ErrUnknownSession)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSessionPayload(session)})
}

func (handler *httpHandler) handleSessionAction(action sessionAction) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		actor, _, ok := handler.currentActor(ctx)
		if !ok {
			return
		}
		sessionID := ctx.Param("id")
		requestCtx, cancel := handler.requestContext(ctx)
		defer cancel()

		var (
			session sessions.Session
			err     error
		)
		switch action {
		case actionConfirm:
			session, err = handler.dependencies.Sessions.Confirm(requestCtx, actor, sessionID)
		case actionStart:
			session, err = handler.dependencies.Sessions.Start(requestCtx, actor, sessionID)
		case actionComplete:
			session, err = handler.dependencies.Sessions.Complete(requestCtx, actor, sessionID)
		case actionCancel:
			var request cancelSessionRequest
			if bindErr := ctx.ShouldBindJSON(&request); bindErr != nil && !errors.Is(bindErr, io.EOF) {
				ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
				return
			}
			session, err = handler.dependencies.Sessions.Cancel(requestCtx, actor, sessionID, request.Reason)
		}
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"session": newSessionPayload(session)})
	}
}

func newSessionPayload(session sessions.Session) sessionPayload {
	return sessionPayload{
		ID:           session.ID,
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
}
