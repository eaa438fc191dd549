// pkg/errors/transaction.go
package errors

// Sequencer reject-reason codes (spec.md §4.F). These are Validation-kind
// and always synchronous: submit returns one of these, never a retry.
const (
	RejectInvalidSignature    = "INVALID_SIGNATURE"
	RejectBadAddress          = "BAD_ADDRESS"
	RejectNonPositiveAmount   = "NON_POSITIVE_AMOUNT"
	RejectSelfTransfer        = "SELF_TRANSFER"
	RejectBadType             = "BAD_TYPE"
	RejectExpired             = "EXPIRED"
	RejectDuplicateNonce      = "DUPLICATE_NONCE"
	RejectBackpressureActive  = "BACKPRESSURE_ACTIVE"
)

// Sequencer/batch error codes for failures past the synchronous reject path
const (
	TransactionErrProcessingFailed = "TRANSACTION_PROCESSING_FAILED"
	TransactionErrBatchSignFailed  = "BATCH_SIGN_FAILED"
	TransactionErrMerkleMismatch   = "BATCH_MERKLE_MISMATCH"
	TransactionErrSettlementReject = "BATCH_SETTLEMENT_REJECT"
)

// Sequencer domain name
const TransactionDomain = "sequencer"

// Sequencer operations
const (
	OpSubmitTransaction    = "SubmitTransaction"
	OpSubmitPriority       = "SubmitPriority"
	OpValidateTransaction  = "ValidateTransaction"
	OpAssembleBatch        = "AssembleBatch"
	OpSignBatch            = "SignBatch"
	OpSubmitBatch          = "SubmitBatch"
	OpGetTransaction       = "GetTransaction"
	OpGetUserTransactions  = "GetUserTransactions"
	OpCalculateHash        = "CalculateHash"
	OpSerializeTransaction = "SerializeTransaction"
)

// NewTransactionError creates a new sequencer error
func NewTransactionError(code string, message string, err error) error {
	return &Error{
		Domain:   TransactionDomain,
		Kind:     KindInternal,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// RejectError builds the synchronous Validation-kind reject returned by
// TxSequencer.submit for one of the RejectReason codes above.
func RejectError(operation, reason string) error {
	return &Error{
		Domain:    TransactionDomain,
		Kind:      KindValidation,
		Code:      reason,
		Operation: operation,
		Message:   reason,
	}
}

// TransactionErrorf creates a new sequencer error with formatted message
func TransactionErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  TransactionDomain,
		Kind:    KindInternal,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// TransactionWrap wraps an error with the sequencer domain
func TransactionWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    TransactionDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// TransactionWrapWithCode wraps an error with sequencer domain, code and kind
func TransactionWrapWithCode(err error, operation string, code string, kind Kind, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    TransactionDomain,
		Operation: operation,
		Kind:      kind,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsTransactionError checks if an error is a sequencer error with the given code
func IsTransactionError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == TransactionDomain && domainErr.Code == code
	}
	return false
}
