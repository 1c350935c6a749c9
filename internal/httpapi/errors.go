package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/gin-gonic/gin"
)

const (
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInternal       = "internal_error"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered: the first matching target wins.
var errorMappings = []errorMapping{
	{sessions.ErrInvalidPrice, http.StatusBadRequest, "invalid_price"},
	{sessions.ErrInvalidSchedule, http.StatusBadRequest, "invalid_schedule"},
	{sessions.ErrInvalidTopic, http.StatusBadRequest, "invalid_topic"},
	{sessions.ErrInvalidParticipants, http.StatusBadRequest, "invalid_participants"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id"},
	{ledger.ErrInvalidReference, http.StatusBadRequest, "invalid_reference"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
	{ledger.ErrInvalidListLimit, http.StatusBadRequest, "invalid_list_limit"},
	{payments.ErrInvalidPayload, http.StatusBadRequest, errorCodeInvalidPayload},
	{payments.ErrInvalidOrderID, http.StatusBadRequest, "invalid_order_id"},
	{payments.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{rewards.ErrSelfReferral, http.StatusBadRequest, "self_referral"},
	{rewards.ErrInvalidAdID, http.StatusBadRequest, "invalid_ad_id"},
	{payments.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{sessions.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{sessions.ErrUnknownSession, http.StatusNotFound, "unknown_session"},
	{payments.ErrUnknownPaymentIntent, http.StatusNotFound, "unknown_payment_intent"},
	{ledger.ErrUnknownHold, http.StatusNotFound, "unknown_hold"},
	{sessions.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ledger.ErrDuplicateHold, http.StatusConflict, "duplicate_hold"},
	{ledger.ErrHoldReleased, http.StatusConflict, "hold_released"},
	{ledger.ErrReferenceConflict, http.StatusConflict, "reference_conflict"},
	{payments.ErrOrderConflict, http.StatusConflict, "order_conflict"},
	{payments.ErrIntentFinalized, http.StatusConflict, "intent_finalized"},
	{rewards.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{sessions.ErrInvalidRole, http.StatusUnprocessableEntity, "invalid_role"},
	{payments.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{payments.ErrGatewayUnreachable, http.StatusServiceUnavailable, "gateway_unreachable"},
	{payments.ErrGatewayRejected, http.StatusBadGateway, "gateway_rejected"},
	{rewards.ErrNoReferrals, http.StatusServiceUnavailable, "referrals_unavailable"},
}

// statusForError maps a domain error to an HTTP status and a stable code.
func statusForError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, errorCodeInternal
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
