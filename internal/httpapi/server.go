// Package httpapi is the gin HTTP surface of the marketplace.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	// ClaimsContextKey is where the auth middleware stores *sessionvalidator.Claims.
	ClaimsContextKey = "auth_claims"

	defaultRequestTimeout = 10 * time.Second
	maxWebhookBodyBytes   = 1 << 20
	shutdownTimeout       = 5 * time.Second
)

// RoleLister resolves the marketplace roles of a user.
type RoleLister interface {
	Roles(ctx context.Context, userID ledger.UserID) ([]sessions.Role, error)
}

// Config holds HTTP settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Dependencies are the domain services behind the routes.
type Dependencies struct {
	Ledger     *ledger.Service
	Sessions   *sessions.Service
	Payments   *payments.Service
	Reconciler *payments.Reconciler
	Rewards    *rewards.Service
	Roles      RoleLister
	Logger     *zap.Logger
}

func (dependencies Dependencies) validate() error {
	switch {
	case dependencies.Ledger == nil:
		return errors.New("httpapi: ledger service is required")
	case dependencies.Sessions == nil:
		return errors.New("httpapi: session service is required")
	case dependencies.Payments == nil:
		return errors.New("httpapi: payment service is required")
	case dependencies.Reconciler == nil:
		return errors.New("httpapi: reconciler is required")
	case dependencies.Rewards == nil:
		return errors.New("httpapi: rewards service is required")
	case dependencies.Roles == nil:
		return errors.New("httpapi: role directory is required")
	}
	return nil
}

// NewRouter builds the gin engine. auth guards every /api route and must store claims under ClaimsContextKey.
func NewRouter(config Config, dependencies Dependencies, auth gin.HandlerFunc) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, errors.New("httpapi: auth middleware is required")
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(requestLogger(dependencies.Logger))
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	handler := &httpHandler{
		dependencies: dependencies,
		logger:       dependencies.Logger,
		timeout:      config.RequestTimeout,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/payments", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(auth)

	api.GET("/balance", handler.handleBalance)
	api.GET("/entries", handler.handleEntries)

	api.POST("/sessions", handler.handleCreateSession)
	api.GET("/sessions", handler.handleListSessions)
	api.GET("/sessions/:id", handler.handleGetSession)
	api.POST("/sessions/:id/confirm", handler.handleSessionAction(actionConfirm))
	api.POST("/sessions/:id/start", handler.handleSessionAction(actionStart))
	api.POST("/sessions/:id/complete", handler.handleSessionAction(actionComplete))
	api.POST("/sessions/:id/cancel", handler.handleSessionAction(actionCancel))

	api.POST("/payments", handler.handleInitiatePayment)
	api.GET("/payments/:order_id", handler.handleGetPayment)
	api.POST("/payments/:order_id/verify", handler.handleVerifyPayment)

	api.POST("/rewards/daily", handler.handleDailyReward)
	api.POST("/rewards/ads", handler.handleAdReward)
	api.POST("/rewards/referrals", handler.handleReferralReward)

	api.POST("/admin/grants", handler.handleAdminGrant)

	return router, nil
}

// SessionAuth returns the tauth session cookie middleware.
func SessionAuth(signingKey string, issuer string, cookieName string) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator.GinMiddleware(ClaimsContextKey), nil
}

// Serve runs handler on config.ListenAddr until ctx is done.
func Serve(ctx context.Context, config Config, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type httpHandler struct {
	dependencies Dependencies
	logger       *zap.Logger
	timeout      time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

// respondError writes the mapped error envelope. Internal failures are logged and not echoed.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		message = "internal error"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(ClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// currentActor resolves the caller from session claims and the role directory.
// It writes the error response itself and reports false when the request must stop.
func (handler *httpHandler) currentActor(ctx *gin.Context) (sessions.Actor, ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return nil, ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "session has no user"))
		return nil, ledger.UserID{}, false
	}
	roles, err := handler.dependencies.Roles.Roles(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return nil, ledger.UserID{}, false
	}
	return sessions.NewActor(userID.String(), roles...), userID, true
}
