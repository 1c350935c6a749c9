package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"go.uber.org/zap"
)

const defaultCreditsPerUnit = 1

// Option configures a Service or a Reconciler.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	now            func() time.Time
	creditsPerUnit int64
}

func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		now:            time.Now,
		creditsPerUnit: defaultCreditsPerUnit,
	}
}

func (settings *options) apply(values []Option) error {
	for _, option := range values {
		if option != nil {
			option(settings)
		}
	}
	if settings.logger == nil || settings.now == nil {
		return fmt.Errorf("%w: nil option value", ErrInvalidServiceConfig)
	}
	if settings.creditsPerUnit <= 0 {
		return fmt.Errorf("%w: credits per unit must be positive", ErrInvalidServiceConfig)
	}
	return nil
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(settings *options) {
		settings.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(settings *options) {
		settings.now = now
	}
}

// WithCreditsPerUnit sets how many credits one unit of paid currency buys.
func WithCreditsPerUnit(creditsPerUnit int64) Option {
	return func(settings *options) {
		settings.creditsPerUnit = creditsPerUnit
	}
}

// InitiateRequest opens a payment for an order.
type InitiateRequest struct {
	OrderID     string
	UserID      ledger.UserID
	Amount      int64
	Payer       Payer
	Description string
}

// Service opens payments with the gateway and records intents. It never grants credits.
type Service struct {
	store   Store
	gateway Gateway
	options options
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, values ...Option) (*Service, error) {
	if store == nil || gateway == nil {
		return nil, fmt.Errorf("%w: store and gateway are required", ErrInvalidServiceConfig)
	}
	settings := defaultOptions()
	if err := settings.apply(values); err != nil {
		return nil, err
	}
	return &Service{store: store, gateway: gateway, options: settings}, nil
}

// Initiate opens a payment with the gateway and records an initiated intent keyed by order id.
// Retrying with the same order, user, and amount returns the recorded intent.
func (service *Service) Initiate(ctx context.Context, request InitiateRequest) (Intent, error) {
	orderID := strings.TrimSpace(request.OrderID)
	if orderID == "" || strings.Contains(orderID, " ") {
		return Intent{}, fmt.Errorf("%w: %q", ErrInvalidOrderID, request.OrderID)
	}
	if request.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.Amount > math.MaxInt64/service.options.creditsPerUnit {
		return Intent{}, fmt.Errorf("%w: %d overflows the credit conversion", ErrInvalidAmount, request.Amount)
	}
	if request.UserID.String() == "" {
		return Intent{}, ledger.ErrInvalidUserID
	}
	existing, err := service.store.GetIntent(ctx, orderID)
	switch {
	case err == nil:
		return reuseIntent(existing, request)
	case !errors.Is(err, ErrUnknownPaymentIntent):
		return Intent{}, err
	}

	payment, err := service.gateway.Initiate(ctx, GatewayRequest{
		OrderID:     orderID,
		Amount:      request.Amount,
		Payer:       request.Payer,
		Description: request.Description,
	})
	if err != nil {
		service.options.logger.Warn("payment initiation failed",
			zap.String("order_id", orderID),
			zap.String("user_id", request.UserID.String()),
			zap.Int64("amount", request.Amount),
			zap.Error(err),
		)
		return Intent{}, err
	}
	now := service.options.now().UTC()
	intent := Intent{
		OrderID:    orderID,
		UserID:     request.UserID,
		Amount:     request.Amount,
		Credits:    request.Amount * service.options.creditsPerUnit,
		Reference:  payment.Reference,
		PaymentURL: payment.PaymentURL,
		Status:     StatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := service.store.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, ErrOrderConflict) {
			concurrent, getErr := service.store.GetIntent(ctx, orderID)
			if getErr != nil {
				return Intent{}, getErr
			}
			return reuseIntent(concurrent, request)
		}
		return Intent{}, err
	}
	service.options.logger.Info("payment initiated",
		zap.String("order_id", intent.OrderID),
		zap.String("user_id", intent.UserID.String()),
		zap.String("reference", intent.Reference),
		zap.Int64("amount", intent.Amount),
		zap.Int64("credits", intent.Credits),
	)
	return intent, nil
}

// Verify asks the gateway for the status of reference. It has no side effects.
func (service *Service) Verify(ctx context.Context, reference string) (GatewayResult, error) {
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return GatewayResult{}, fmt.Errorf("%w: empty reference", ErrInvalidPayload)
	}
	return service.gateway.Status(ctx, trimmed)
}

// GetIntent returns the intent recorded for orderID.
func (service *Service) GetIntent(ctx context.Context, orderID string) (Intent, error) {
	return service.store.GetIntent(ctx, strings.TrimSpace(orderID))
}

func reuseIntent(existing Intent, request InitiateRequest) (Intent, error) {
	if existing.UserID != request.UserID || existing.Amount != request.Amount {
		return Intent{}, fmt.Errorf("%w: %s", ErrOrderConflict, existing.OrderID)
	}
	if existing.Status.Terminal() {
		return Intent{}, fmt.Errorf("%w: %s is %s", ErrIntentFinalized, existing.OrderID, existing.Status)
	}
	return existing, nil
}
