package relay

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/s3-credential-proxy/internal/pool"
	"github.com/kenneth/s3-credential-proxy/internal/sigv4"
)

// S3Error represents an S3 API error response.
type S3Error struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3 Error: %s - %s", e.Code, e.Message)
}

// WriteXML writes the S3 error response in XML format.
func (e *S3Error) WriteXML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus)

	// S3 Error Response structure
	type ErrorResponse struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource,omitempty"`
		RequestID string   `xml:"RequestId,omitempty"`
	}

	response := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}

	xmlData, err := xml.MarshalIndent(response, "", "  ")
	if err != nil {
		// Fallback to plain text if XML marshaling fails
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Write([]byte(xml.Header))
	w.Write(xmlData)
}

// withContext fills in the per-request fields on a copy of a predefined error.
func (e *S3Error) withContext(resource, requestID string) *S3Error {
	out := *e
	out.Resource = resource
	out.RequestID = requestID
	return &out
}

// TranslateError maps verification, routing and transport failures to the S3
// error document the client should see.
func TranslateError(err error, resource, requestID string) *S3Error {
	if err == nil {
		return nil
	}

	var s3err *S3Error
	if errors.As(err, &s3err) {
		return s3err.withContext(resource, requestID)
	}

	switch {
	case errors.Is(err, sigv4.ErrMissingAuth):
		return ErrAccessDenied.withContext(resource, requestID)
	case errors.Is(err, sigv4.ErrMalformed):
		return ErrAuthorizationMalformed.withContext(resource, requestID)
	case errors.Is(err, sigv4.ErrExpired):
		return ErrRequestTimeTooSkewed.withContext(resource, requestID)
	case errors.Is(err, sigv4.ErrMismatch):
		return ErrSignatureDoesNotMatch.withContext(resource, requestID)
	case errors.Is(err, sigv4.ErrChunkMalformed):
		return ErrIncompleteBody.withContext(resource, requestID)
	case errors.Is(err, pool.ErrExhausted):
		return ErrSlowDown.withContext(resource, requestID)
	case errors.Is(err, errBackendUnreachable):
		return ErrBadGateway.withContext(resource, requestID)
	default:
		e := ErrInternalError.withContext(resource, requestID)
		e.Message = fmt.Sprintf("We encountered an internal error. Please try again: %v", err)
		return e
	}
}

// errBackendUnreachable wraps transport-level failures talking to the backend.
var errBackendUnreachable = errors.New("backend unreachable")

// Predefined S3 errors
var (
	ErrAccessDenied = &S3Error{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrInvalidAccessKeyID = &S3Error{
		Code:       "InvalidAccessKeyId",
		Message:    "The AWS Access Key Id you provided does not exist in our records.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSignatureDoesNotMatch = &S3Error{
		Code:       "SignatureDoesNotMatch",
		Message:    "The request signature we calculated does not match the signature you provided.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrRequestTimeTooSkewed = &S3Error{
		Code:       "RequestTimeTooSkewed",
		Message:    "The difference between the request time and the server's time is too large.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAuthorizationMalformed = &S3Error{
		Code:       "AuthorizationHeaderMalformed",
		Message:    "The authorization header is malformed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrIncompleteBody = &S3Error{
		Code:       "IncompleteBody",
		Message:    "The request body could not be decoded.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrSlowDown = &S3Error{
		Code:       "SlowDown",
		Message:    "Please reduce your request rate.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrBadGateway = &S3Error{
		Code:       "BadGateway",
		Message:    "The backend store could not be reached.",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
