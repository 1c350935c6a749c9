package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"go.uber.org/zap"
)

// Outcome reports what finalizing an intent did.
type Outcome struct {
	OrderID       string
	Status        Status
	CreditEntryID string
	Replayed      bool
}

// SweepReport summarizes a batch reconciliation of stale intents.
type SweepReport struct {
	Checked   int
	Finalized int
	Failed    int
}

// Notification is one payment notification posted by the gateway.
type Notification struct {
	Reference string      `json:"rrr"`
	OrderID   string      `json:"orderRef"`
	Amount    json.Number `json:"amount"`
}

// Reconciler maps gateway confirmations onto ledger credits exactly once.
// The intent status is the only idempotency record.
type Reconciler struct {
	store    Store
	gateway  Gateway
	crediter CrediterFactory
	secret   []byte
	options  options
}

// NewReconciler wires a Reconciler. secret signs webhook bodies.
func NewReconciler(store Store, gateway Gateway, crediter CrediterFactory, secret []byte, values ...Option) (*Reconciler, error) {
	if store == nil || gateway == nil || crediter == nil {
		return nil, fmt.Errorf("%w: store, gateway and crediter are required", ErrInvalidServiceConfig)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidServiceConfig)
	}
	settings := defaultOptions()
	if err := settings.apply(values); err != nil {
		return nil, err
	}
	return &Reconciler{
		store:    store,
		gateway:  gateway,
		crediter: crediter,
		secret:   append([]byte(nil), secret...),
		options:  settings,
	}, nil
}

// HandleWebhook authenticates body, then finalizes every intent it names.
func (reconciler *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) ([]Outcome, error) {
	if !VerifySignature(reconciler.secret, body, signature) {
		reconciler.options.logger.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		return nil, ErrInvalidSignature
	}
	notifications, err := ParseNotifications(body)
	if err != nil {
		reconciler.options.logger.Warn("webhook payload rejected", zap.Error(err))
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(notifications))
	for _, notification := range notifications {
		intent, err := reconciler.lookup(ctx, notification)
		if err != nil {
			reconciler.options.logger.Warn("webhook intent lookup failed",
				zap.String("order_id", notification.OrderID),
				zap.String("reference", notification.Reference),
				zap.Error(err),
			)
			return outcomes, err
		}
		if err := matchAmount(intent, notification); err != nil {
			reconciler.options.logger.Warn("webhook amount rejected", zap.String("order_id", intent.OrderID), zap.Error(err))
			return outcomes, err
		}
		outcome, err := reconciler.finalize(ctx, intent)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Reconcile re-verifies orderID with the gateway and finalizes it.
func (reconciler *Reconciler) Reconcile(ctx context.Context, orderID string) (Outcome, error) {
	intent, err := reconciler.store.GetIntent(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return Outcome{}, err
	}
	return reconciler.finalize(ctx, intent)
}

// SweepStale reconciles non-terminal intents last updated before updatedBefore.
// Individual failures are logged and counted; the sweep continues.
func (reconciler *Reconciler) SweepStale(ctx context.Context, updatedBefore time.Time, limit int) (SweepReport, error) {
	intents, err := reconciler.store.ListStaleIntents(ctx, updatedBefore, limit)
	if err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		outcome, err := reconciler.finalize(ctx, intent)
		if err != nil {
			report.Failed++
			reconciler.options.logger.Warn("stale intent reconcile failed", zap.String("order_id", intent.OrderID), zap.Error(err))
			continue
		}
		if outcome.Status.Terminal() && !outcome.Replayed {
			report.Finalized++
		}
	}
	return report, nil
}

// ParseNotifications decodes a single notification or an array of them.
func ParseNotifications(body []byte) ([]Notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	var notifications []Notification
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if trimmed[0] == '[' {
		if err := decoder.Decode(&notifications); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		var notification Notification
		if err := decoder.Decode(&notification); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		notifications = append(notifications, notification)
	}
	if len(notifications) == 0 {
		return nil, fmt.Errorf("%w: no notifications", ErrInvalidPayload)
	}
	for index := range notifications {
		notifications[index].OrderID = strings.TrimSpace(notifications[index].OrderID)
		notifications[index].Reference = strings.TrimSpace(notifications[index].Reference)
		if notifications[index].OrderID == "" && notifications[index].Reference == "" {
			return nil, fmt.Errorf("%w: notification %d names no order or reference", ErrInvalidPayload, index)
		}
	}
	return notifications, nil
}

func (reconciler *Reconciler) lookup(ctx context.Context, notification Notification) (Intent, error) {
	if notification.OrderID != "" {
		intent, err := reconciler.store.GetIntent(ctx, notification.OrderID)
		if err == nil || !errors.Is(err, ErrUnknownPaymentIntent) || notification.Reference == "" {
			return intent, err
		}
	}
	return reconciler.store.GetIntentByReference(ctx, notification.Reference)
}

func (reconciler *Reconciler) finalize(ctx context.Context, intent Intent) (Outcome, error) {
	if intent.Status.Terminal() {
		return replayedOutcome(intent), nil
	}
	result, err := reconciler.gateway.Status(ctx, intent.Reference)
	if err != nil {
		reconciler.options.logger.Warn("payment verification failed",
			zap.String("order_id", intent.OrderID),
			zap.String("reference", intent.Reference),
			zap.Error(err),
		)
		return Outcome{}, err
	}
	if result.Status == StatusSuccess && result.Amount != intent.Amount {
		return Outcome{}, fmt.Errorf("%w: gateway reports %d, intent %d", ErrAmountMismatch, result.Amount, intent.Amount)
	}

	var outcome Outcome
	err = reconciler.store.WithTx(ctx, func(ctx context.Context, txStore TxStore) error {
		current, err := txStore.GetIntentForUpdate(ctx, intent.OrderID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			outcome = replayedOutcome(current)
			return nil
		}
		now := reconciler.options.now().UTC()
		update := IntentUpdate{Status: result.Status, UpdatedAt: now}
		switch result.Status {
		case StatusSuccess:
			reference, err := current.CreditReference()
			if err != nil {
				return err
			}
			credited, err := reconciler.crediter(txStore.Ledger()).Credit(ctx, current.UserID, current.Credits, reference, ledger.MetadataFrom(map[string]string{
				"order_id":  current.OrderID,
				"reference": current.Reference,
				"source":    "payment",
			}))
			if err != nil {
				return err
			}
			update.CreditEntryID = credited.EntryID
			update.CompletedAt = &now
		case StatusFailed:
			update.CompletedAt = &now
		default:
			if current.Status != StatusInitiated {
				outcome = Outcome{OrderID: current.OrderID, Status: current.Status}
				return nil
			}
			update.Status = StatusPending
		}
		if err := txStore.UpdateIntent(ctx, current.OrderID, current.Status, update); err != nil {
			return err
		}
		outcome = Outcome{OrderID: current.OrderID, Status: update.Status, CreditEntryID: update.CreditEntryID}
		return nil
	})
	if err != nil {
		reconciler.options.logger.Error("payment finalize failed", zap.String("order_id", intent.OrderID), zap.Error(err))
		return Outcome{}, err
	}
	reconciler.options.logger.Info("payment reconciled",
		zap.String("order_id", outcome.OrderID),
		zap.String("status", string(outcome.Status)),
		zap.String("credit_entry_id", outcome.CreditEntryID),
		zap.Bool("replayed", outcome.Replayed),
	)
	return outcome, nil
}

func matchAmount(intent Intent, notification Notification) error {
	if notification.Amount == "" {
		return nil
	}
	amount, err := notification.Amount.Float64()
	if err != nil {
		return fmt.Errorf("%w: amount %q", ErrInvalidPayload, notification.Amount)
	}
	if math.Abs(amount-float64(intent.Amount)) > 1e-9 {
		return fmt.Errorf("%w: notification %s, intent %d", ErrAmountMismatch, notification.Amount, intent.Amount)
	}
	return nil
}

func replayedOutcome(intent Intent) Outcome {
	return Outcome{
		OrderID:       intent.OrderID,
		Status:        intent.Status,
		CreditEntryID: intent.CreditEntryID,
		Replayed:      true,
	}
}
