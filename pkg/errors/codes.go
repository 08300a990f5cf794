package errors

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidKeyLength Code = "INVALID_KEY_LENGTH"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnknownRecipient Code = "UNKNOWN_RECIPIENT"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeMalformedFrame   Code = "MALFORMED_FRAME"
	CodeInternal         Code = "INTERNAL"
)
