package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/gin-gonic/gin"
)

const adminGrantReferencePrefix = "grant:"

type balancePayload struct {
	Total     int64 `json:"total"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

type entryPayload struct {
	EntryID          string          `json:"entry_id"`
	Kind             string          `json:"kind"`
	Amount           int64           `json:"amount"`
	Delta            int64           `json:"delta"`
	Reference        string          `json:"reference"`
	ResultingBalance int64           `json:"resulting_balance"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
}

type resultPayload struct {
	EntryID  string `json:"entry_id"`
	Balance  int64  `json:"balance"`
	Replayed bool   `json:"replayed"`
}

type adminGrantRequest struct {
	UserID    string         `json:"user_id"`
	Amount    int64          `json:"amount"`
	Reference string         `json:"reference"`
	Metadata  map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.dependencies.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(balance)})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	limit, ok := queryLimit(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.dependencies.Ledger.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:          entry.EntryID,
			Kind:             entry.Kind.String(),
			Amount:           entry.Amount.Int64(),
			Delta:            entry.Delta,
			Reference:        entry.Reference.String(),
			ResultingBalance: entry.ResultingBalance.Int64(),
			Metadata:         json.RawMessage(entry.Metadata.String()),
			CreatedUnixUTC:   entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	actor, _, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	if !actor.HasRole(sessions.RoleAdmin) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reference, err := ledger.NewReference(adminGrantReferencePrefix + strings.TrimSpace(request.Reference))
	if err != nil || strings.TrimSpace(request.Reference) == "" {
		handler.respondError(ctx, ledger.ErrInvalidReference)
		return
	}
	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["action"] = "admin_grant"
	metadata["granted_by"] = actor.ID()
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		handler.respondError(ctx, ledger.ErrInvalidMetadataJSON)
		return
	}
	metadataJSON, err := ledger.NewMetadataJSON(string(rawMetadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.dependencies.Ledger.Credit(requestCtx, userID, request.Amount, reference, metadataJSON)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"result": newResultPayload(result)})
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		Total:     balance.Total.Int64(),
		Held:      balance.Held.Int64(),
		Available: balance.Available.Int64(),
	}
}

func newResultPayload(result ledger.Result) resultPayload {
	return resultPayload{
		EntryID:  result.EntryID,
		Balance:  result.Balance.Int64(),
		Replayed: result.Replayed,
	}
}

func queryLimit(ctx *gin.Context) (int, bool) {
	raw := ctx.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_list_limit", "limit must be an integer"))
		return 0, false
	}
	return limit, true
}
