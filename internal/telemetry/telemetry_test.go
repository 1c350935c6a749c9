package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationLoggerLevels(test *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	operationLogger := NewOperationLogger(zap.New(core))
	userID, err := ledger.NewUserID("logger-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "credit", UserID: userID, Amount: 5, Status: "ok"})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "debit", UserID: userID, Amount: 5, Status: "error", Error: ledger.ErrInsufficientFunds})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{Operation: "debit", UserID: userID, Amount: 5, Status: "error", Error: errors.New("connection reset")})

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		test.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	expected := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for index, entry := range entries {
		if entry.Level != expected[index] {
			test.Fatalf("entry %d: expected %s, got %s", index, expected[index], entry.Level)
		}
		if entry.ContextMap()["user_id"] != "logger-user" {
			test.Fatalf("entry %d: missing user id in %v", index, entry.ContextMap())
		}
	}
	if got := testutil.ToFloat64(ledgerOperationsTotal.WithLabelValues("debit", "error", "false")); got < 2 {
		test.Fatalf("expected debit errors to be counted, got %v", got)
	}
}

func TestObserveHTTPRequest(test *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/telemetry-test", "200"))
	ObserveHTTPRequest("GET", "/telemetry-test", 200, 20*time.Millisecond)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/telemetry-test", "200"))
	if after-before != 1 {
		test.Fatalf("expected one request to be counted, got %v", after-before)
	}
}

func TestSetupTracingWithoutEndpointIsNoop(test *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "creditmarket-test", "")
	if err != nil {
		test.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		test.Fatalf("shutdown: %v", err)
	}
}
