package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument  = 1000
	ErrCodeInvalidJSON      = 1001
	ErrCodeRequestTooLarge  = 1002
	ErrCodeInvalidQuery     = 1003
	ErrCodeInvalidDigest    = 1004
	ErrCodeInvalidOwner     = 1005
	ErrCodeInvalidMediaType = 1006
	ErrCodeMissingRequired  = 1007
	ErrCodeInvalidSweepType = 1008

	// Domain state (2xxx)
	ErrCodeBlobNotFound    = 2001
	ErrCodeContentNotFound = 2002
	ErrCodeConflict        = 2101

	// Auth & limits (3xxx)
	ErrCodeUnauthorized      = 3001
	ErrCodeForbidden         = 3002
	ErrCodeResourceExhausted = 3003
	ErrCodeStorageFull       = 3004

	// Internal/system (4xxx)
	ErrCodeInternal     = 4001
	ErrCodeStoreFailure = 4002
	ErrCodeSweepFailed  = 4003
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 401:
		return ErrCodeUnauthorized
	case 403:
		return ErrCodeForbidden
	case 404:
		return ErrCodeBlobNotFound
	case 409:
		return ErrCodeConflict
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 507:
		return ErrCodeStorageFull
	default:
		return 0
	}
}
