package v1

const (
	HttpInternalError    = "internal_error"
	HttpInvalidJsonError = "invalid_json"
	HttpBadRequestError  = "bad_request"
)

// ErrorResponse is the error response body for all v1 endpoints.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
