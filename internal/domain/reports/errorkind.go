package reports

// Failure kinds persisted in error_kind when a report lands in failed.
const (
	ErrorKindRateLimited     = "RateLimited"
	ErrorKindUnauthenticated = "Unauthenticated"
	ErrorKindUpstream        = "UpstreamError"
	ErrorKindMalformedOutput = "MalformedOutput"
	ErrorKindTimeout         = "Timeout"
	ErrorKindDispatchFailed  = "DispatchFailed"
	ErrorKindStalled         = "Stalled"
	ErrorKindInternal        = "Internal"
)
