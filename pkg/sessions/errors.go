package sessions

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
)

// Domain-level error values returned by the session service.
var (
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrUnauthorized         = errors.New("actor is not allowed to perform this action")
	ErrInvalidRole          = errors.New("user does not hold the required role")
	ErrInvalidPrice         = fmt.Errorf("invalid session price: %w", ledger.ErrInvalidAmount)
	ErrInvalidSchedule      = errors.New("invalid session schedule")
	ErrInvalidTopic         = errors.New("invalid session topic")
	ErrInvalidParticipants  = errors.New("student and lecturer must differ")
	ErrUnknownSession       = errors.New("unknown session")
	ErrInvalidServiceConfig = errors.New("invalid session service config")
)
