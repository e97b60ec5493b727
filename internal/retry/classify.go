package retry

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes that indicate transient infrastructure failures. Exactly
// these codes are retried; anything else is treated as fatal.
const (
	codeConnectionException = "08000"
	codeConnectionNotExist  = "08003"
	codeConnectionFailure   = "08006"
	codeSerializationFail   = "40001"
	codeDeadlockDetected    = "40P01"
	codeLockNotAvailable    = "55P03"
	codeQueryCanceled       = "57014" // statement_timeout fires this
	codeTooManyConnections  = "53300"
)

var retryableCodes = map[string]bool{
	codeConnectionException: true,
	codeConnectionNotExist:  true,
	codeConnectionFailure:   true,
	codeSerializationFail:   true,
	codeDeadlockDetected:    true,
	codeLockNotAvailable:    true,
	codeQueryCanceled:       true,
	codeTooManyConnections:  true,
}

// Message fragments for drivers and proxies that surface transient failures
// without a SQLSTATE. Matched case-insensitively.
var retryableFragments = []string{
	"deadlock detected",
	"connection reset",
	"connection timeout",
	"failed to acquire lock",
	"could not serialize access",
	"current transaction is aborted",
	"terminating connection due to administrator command",
}

// Code extracts the SQLSTATE from err, or "" when none is attached.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsRetryable classifies a database error as transient (worth retrying) or
// fatal. The code check short-circuits; the message scan is the fallback.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if retryableCodes[Code(err)] {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
