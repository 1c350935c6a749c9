package telemetry

import (
	"context"
	"strconv"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger writes ledger operations to zap and counts them.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns a ledger.OperationLogger backed by logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	ledgerOperationsTotal.WithLabelValues(entry.Operation, entry.Status, strconv.FormatBool(entry.Replayed)).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("reference", entry.Reference.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("entry_id", entry.EntryID),
		zap.Bool("replayed", entry.Replayed),
		zap.String("status", entry.Status),
	}
	switch {
	case entry.Error == nil:
		operationLogger.logger.Info("ledger operation", fields...)
	case ledger.IsBusinessError(entry.Error):
		operationLogger.logger.Warn("ledger operation rejected", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
}
