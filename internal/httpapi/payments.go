package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type initiatePaymentRequest struct {
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	PayerName   string `json:"payer_name"`
	PayerEmail  string `json:"payer_email"`
	PayerPhone  string `json:"payer_phone"`
	Description string `json:"description"`
}

type intentPayload struct {
	OrderID       string     `json:"order_id"`
	Amount        int64      `json:"amount"`
	Credits       int64      `json:"credits"`
	Reference     string     `json:"reference"`
	PaymentURL    string     `json:"payment_url"`
	Status        string     `json:"status"`
	CreditEntryID string     `json:"credit_entry_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type outcomePayload struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	CreditEntryID string `json:"credit_entry_id,omitempty"`
	Replayed      bool   `json:"replayed"`
}

func (handler *httpHandler) handleInitiatePayment(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	var request initiatePaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.dependencies.Payments.Initiate(requestCtx, payments.InitiateRequest{
		OrderID: request.OrderID,
		UserID:  userID,
		Amount:  request.Amount,
		Payer: payments.Payer{
			Name:  request.PayerName,
			Email: request.PayerEmail,
			Phone: request.PayerPhone,
		},
		Description: request.Description,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"payment": newIntentPayload(intent)})
}

func (handler *httpHandler) handleGetPayment(ctx *gin.Context) {
	intent, ok := handler.ownedIntent(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment": newIntentPayload(intent)})
}

func (handler *httpHandler) handleVerifyPayment(ctx *gin.Context) {
	intent, ok := handler.ownedIntent(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.dependencies.Reconciler.Reconcile(requestCtx, intent.OrderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": newOutcomePayload(outcome)})
}

// ownedIntent loads the intent named in the path. Intents of other users read as unknown.
func (handler *httpHandler) ownedIntent(ctx *gin.Context) (payments.Intent, bool) {
	actor, _, ok := handler.currentActor(ctx)
	if !ok {
		return payments.Intent{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.dependencies.Payments.GetIntent(requestCtx, ctx.Param("order_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return payments.Intent{}, false
	}
	if intent.UserID.String() != actor.ID() && !actor.HasRole(sessions.RoleAdmin) {
		handler.respondError(ctx, payments.ErrUnknownPaymentIntent)
		return payments.Intent{}, false
	}
	return intent, true
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		telemetry.ObserveWebhook("invalid_payload")
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcomes, err := handler.dependencies.Reconciler.HandleWebhook(requestCtx, body, ctx.GetHeader(payments.SignatureHeader))
	for _, outcome := range outcomes {
		telemetry.ObserveWebhook(webhookOutcomeLabel(outcome))
	}
	if err != nil {
		telemetry.ObserveWebhook(webhookErrorLabel(err))
		handler.logger.Warn("payment webhook rejected", zap.Int("processed", len(outcomes)), zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	payload := make([]outcomePayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		payload = append(payload, newOutcomePayload(outcome))
	}
	ctx.JSON(http.StatusOK, gin.H{"outcomes": payload})
}

func webhookOutcomeLabel(outcome payments.Outcome) string {
	if outcome.Replayed {
		return "replayed"
	}
	switch outcome.Status {
	case payments.StatusSuccess:
		return "credited"
	case payments.StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func webhookErrorLabel(err error) string {
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, payments.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, payments.ErrUnknownPaymentIntent):
		return "unknown_intent"
	case errors.Is(err, payments.ErrAmountMismatch):
		return "amount_mismatch"
	default:
		return "error"
	}
}

func newIntentPayload(intent payments.Intent) intentPayload {
	return intentPayload{
		OrderID:       intent.OrderID,
		Amount:        intent.Amount,
		Credits:       intent.Credits,
		Reference:     intent.Reference,
		PaymentURL:    intent.PaymentURL,
		Status:        string(intent.Status),
		CreditEntryID: intent.CreditEntryID,
		CreatedAt:     intent.CreatedAt.UTC(),
		UpdatedAt:     intent.UpdatedAt.UTC(),
		CompletedAt:   intent.CompletedAt,
	}
}

func newOutcomePayload(outcome payments.Outcome) outcomePayload {
	return outcomePayload{
		OrderID:       outcome.OrderID,
		Status:        string(outcome.Status),
		CreditEntryID: outcome.CreditEntryID,
		Replayed:      outcome.Replayed,
	}
}
