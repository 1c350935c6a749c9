package marketd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmarket/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"go.uber.org/zap"
)

const grantReferencePrefix = "grant:"

// GrantCredits credits userID under reference grant:<reference>. Re-running with the same
// reference replays the original grant.
func GrantCredits(ctx context.Context, database *Database, logger *zap.Logger, userID string, amount int64, reference string, note string) (ledger.Result, error) {
	service, err := newLedgerService(database, logger)
	if err != nil {
		return ledger.Result{}, err
	}
	user, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Result{}, err
	}
	if strings.TrimSpace(reference) == "" {
		return ledger.Result{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidReference)
	}
	grantReference, err := ledger.NewReference(grantReferencePrefix + strings.TrimSpace(reference))
	if err != nil {
		return ledger.Result{}, err
	}
	metadata := map[string]string{"action": "admin_grant", "source": "cli"}
	if strings.TrimSpace(note) != "" {
		metadata["note"] = strings.TrimSpace(note)
	}
	return service.Credit(ctx, user, amount, grantReference, ledger.MetadataFrom(metadata))
}

// GrantRole assigns role to userID.
func GrantRole(ctx context.Context, database *Database, userID string, role string) error {
	user, err := ledger.NewUserID(userID)
	if err != nil {
		return err
	}
	parsed, err := sessions.ParseRole(role)
	if err != nil {
		return err
	}
	return gormstore.NewRoleStore(database.DB).GrantRole(ctx, user, parsed)
}

func newLedgerService(database *Database, logger *zap.Logger) (*ledger.Service, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(gormstore.New(database.DB), clock, ledger.WithOperationLogger(telemetry.NewOperationLogger(logger)))
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}
