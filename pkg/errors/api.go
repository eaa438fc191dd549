// pkg/errors/api.go
package errors

// API error codes for the core's own HTTP surface (health/ready/metrics and
// the submit/query endpoints of spec.md §6). Request-level auth, CORS, and
// rate limiting are the Gateway collaborator's concern and have no codes
// here.
const (
	APIErrBadRequest         = "API_BAD_REQUEST"
	APIErrNotFound           = "API_NOT_FOUND"
	APIErrMethodNotAllowed   = "API_METHOD_NOT_ALLOWED"
	APIErrInternalServer     = "API_INTERNAL_SERVER"
	APIErrServiceUnavailable = "API_SERVICE_UNAVAILABLE"
	APIErrValidation         = "API_VALIDATION"
)

// API domain name
const APIDomain = "api"

// API operations
const (
	OpHandleRequest     = "HandleRequest"
	OpParseRequestBody  = "ParseRequestBody"
	OpSerializeResponse = "SerializeResponse"
	OpRouteRequest      = "RouteRequest"
	OpStartServer       = "StartServer"
	OpShutdownServer    = "ShutdownServer"
	OpHealthCheck       = "HealthCheck"
	OpReadyCheck        = "ReadyCheck"
	OpMetricsCollection = "MetricsCollection"
	OpHandleError       = "HandleError"
)

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return &Error{
		Domain:   APIDomain,
		Kind:     KindInternal,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// APIErrorf creates a new API error with formatted message
func APIErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  APIDomain,
		Kind:    KindInternal,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// APIWrap wraps an error with API domain
func APIWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    APIDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// APIWrapWithCode wraps an error with API domain and code
func APIWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    APIDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsAPIError checks if an error is an API error with the given code
func IsAPIError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == APIDomain && domainErr.Code == code
	}
	return false
}

// HTTPStatus maps a taxonomy Kind (spec.md §7) to the HTTP status the API
// layer surfaces it as.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindBackpressure:
		return 503
	case KindDependencyUnavailable:
		return 503
	case KindIntegrityViolation:
		return 500
	case KindCorruption:
		return 500
	default:
		return 500
	}
}
