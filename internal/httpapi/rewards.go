package httpapi

import (
	"net/http"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/gin-gonic/gin"
)

type adRewardRequest struct {
	AdID string `json:"ad_id"`
}

type referralRequest struct {
	ReferrerID string `json:"referrer_id"`
}

func (handler *httpHandler) handleDailyReward(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.dependencies.Rewards.DailyClaim(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"result": newResultPayload(result)})
}

func (handler *httpHandler) handleAdReward(ctx *gin.Context) {
	_, userID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	var request adRewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.dependencies.Rewards.AdReward(requestCtx, userID, request.AdID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"result": newResultPayload(result)})
}

// handleReferralReward is called by the new user; the bonus goes to the referrer.
func (handler *httpHandler) handleReferralReward(ctx *gin.Context) {
	_, refereeID, ok := handler.currentActor(ctx)
	if !ok {
		return
	}
	var request referralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	referrerID, err := ledger.NewUserID(request.ReferrerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.dependencies.Rewards.ReferralBonus(requestCtx, referrerID, refereeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"referrer_id": referrerID.String(), "result": newResultPayload(result)})
}
