package payments

import "errors"

// Domain-level error values returned by the payment service and reconciler.
var (
	ErrGatewayUnreachable   = errors.New("payment gateway unreachable")
	ErrGatewayRejected      = errors.New("payment gateway rejected the request")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnknownPaymentIntent = errors.New("unknown payment intent")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrAmountMismatch       = errors.New("payment amount does not match intent")
	ErrOrderConflict        = errors.New("order id already used for a different payment")
	ErrIntentFinalized      = errors.New("payment intent already finalized")
	ErrInvalidOrderID       = errors.New("invalid order id")
	ErrInvalidAmount        = errors.New("invalid payment amount")
	ErrInvalidServiceConfig = errors.New("invalid payment service config")
)
