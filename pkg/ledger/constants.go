package ledger

const (
	operationCredit  = "credit"
	operationDebit   = "debit"
	operationHold    = "hold"
	operationRelease = "release"
	operationSettle  = "settle"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixTransfer = "transfer_out"
	idempotencyPrefixReceive  = "transfer_in"

	errorOperationService = "service"
	errorSubjectBalance   = "balance"
	errorCodeNegative     = "negative_available"
)
