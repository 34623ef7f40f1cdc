// Package sigv4 parses and verifies AWS Signature Version 4 authentication
// material on inbound requests and produces fresh signatures for outbound
// requests. Verification follows the re-sign-and-compare approach: the request
// is reconstructed from its signed parts, signed with the expected secret, and
// the resulting signature compared constant-time against the claimed one.
package sigv4

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// SignV4Algorithm is the only signing algorithm accepted or emitted.
	SignV4Algorithm = "AWS4-HMAC-SHA256"

	// UnsignedPayload declares that the body hash was not computed.
	UnsignedPayload = "UNSIGNED-PAYLOAD"
	// StreamingPayload declares an aws-chunked body with per-chunk signatures.
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	// StreamingPayloadTrailer is StreamingPayload plus trailing checksum headers.
	StreamingPayloadTrailer = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	// StreamingUnsignedTrailer declares an aws-chunked body without chunk
	// signatures, terminated by trailing checksum headers.
	StreamingUnsignedTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	// EmptySHA256 is the hex SHA-256 of the empty string, the default payload
	// hash for header-authenticated requests without a body.
	EmptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	serviceS3            = "s3"
	credentialTerminator = "aws4_request"
	iso8601Format        = "20060102T150405Z"
	yyyymmddFormat       = "20060102"

	headerAmzDate          = "X-Amz-Date"
	headerAmzContentSHA256 = "X-Amz-Content-Sha256"

	queryAlgorithm     = "X-Amz-Algorithm"
	queryCredential    = "X-Amz-Credential"
	queryDate          = "X-Amz-Date"
	queryExpires       = "X-Amz-Expires"
	querySignedHeaders = "X-Amz-SignedHeaders"
	querySignature     = "X-Amz-Signature"

	maxPresignExpiry = 7 * 24 * time.Hour
)

// Signature error taxonomy. Every verification failure wraps one of these so
// callers can map it to the matching S3 error code.
var (
	// ErrMissingAuth means the request carries no SigV4 material at all.
	ErrMissingAuth = errors.New("request is not signed")
	// ErrMalformed means required SigV4 fields are absent or unparseable.
	ErrMalformed = errors.New("authorization is malformed")
	// ErrExpired means the signature timestamp is outside the skew window or
	// a presigned URL has passed its expiry.
	ErrExpired = errors.New("request time too skewed")
	// ErrMismatch means the recomputed signature differs from the claimed one.
	ErrMismatch = errors.New("signature does not match")
)

// AuthInfo is the authentication material extracted from one inbound request.
type AuthInfo struct {
	AccessKey     string
	Signature     string
	Region        string
	ScopeDate     string // YYYYMMDD from the credential scope
	SignedAt      time.Time
	SignedHeaders []string
	PayloadHash   string

	// Presigned is true for query-string authentication; Expires then holds
	// the declared validity window.
	Presigned bool
	Expires   time.Duration
}

// Streaming reports whether the body uses aws-chunked framing with per-chunk
// signatures.
func (a *AuthInfo) Streaming() bool {
	return a.PayloadHash == StreamingPayload || a.PayloadHash == StreamingPayloadTrailer
}

// StreamingUnsigned reports whether the body uses aws-chunked framing without
// chunk signatures.
func (a *AuthInfo) StreamingUnsigned() bool {
	return a.PayloadHash == StreamingUnsignedTrailer
}

// Chunked reports whether the body carries aws-chunked framing that must be
// decoded before forwarding.
func (a *AuthInfo) Chunked() bool {
	return a.Streaming() || a.StreamingUnsigned()
}

// Trailing reports whether the chunked body ends with trailing headers.
func (a *AuthInfo) Trailing() bool {
	return a.PayloadHash == StreamingPayloadTrailer || a.PayloadHash == StreamingUnsignedTrailer
}

// Scope returns the credential scope string date/region/s3/aws4_request.
func (a *AuthInfo) Scope() string {
	return strings.Join([]string{a.ScopeDate, a.Region, serviceS3, credentialTerminator}, "/")
}

// ParseRequest extracts SigV4 authentication material from either the
// Authorization header or presigned query parameters. The two styles are
// mutually exclusive; a request carrying both is malformed.
func ParseRequest(r *http.Request) (*AuthInfo, error) {
	authHeader := r.Header.Get("Authorization")
	hasQueryAuth := r.URL.Query().Get(querySignature) != ""

	switch {
	case authHeader != "" && hasQueryAuth:
		return nil, fmt.Errorf("%w: both header and query authentication present", ErrMalformed)
	case authHeader != "":
		return parseAuthHeader(r, authHeader)
	case hasQueryAuth:
		return parsePresignedQuery(r)
	default:
		return nil, ErrMissingAuth
	}
}

// parseAuthHeader parses
//
//	Authorization: AWS4-HMAC-SHA256 Credential=key/date/region/s3/aws4_request,
//	    SignedHeaders=a;b;c, Signature=hex
//
// Some clients space the parameters and some do not, so spaces are stripped
// before splitting.
func parseAuthHeader(r *http.Request, header string) (*AuthInfo, error) {
	if !strings.HasPrefix(header, SignV4Algorithm) {
		return nil, fmt.Errorf("%w: unsupported signing algorithm", ErrMalformed)
	}
	header = strings.ReplaceAll(strings.TrimPrefix(header, SignV4Algorithm), " ", "")

	fields := strings.Split(header, ",")
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: expected 3 authorization fields, got %d", ErrMalformed, len(fields))
	}

	info := &AuthInfo{}

	cred, ok := strings.CutPrefix(fields[0], "Credential=")
	if !ok {
		return nil, fmt.Errorf("%w: missing Credential field", ErrMalformed)
	}
	if err := parseCredential(cred, info); err != nil {
		return nil, err
	}

	signedHeaders, ok := strings.CutPrefix(fields[1], "SignedHeaders=")
	if !ok || signedHeaders == "" {
		return nil, fmt.Errorf("%w: missing SignedHeaders field", ErrMalformed)
	}
	info.SignedHeaders = strings.Split(strings.ToLower(signedHeaders), ";")

	signature, ok := strings.CutPrefix(fields[2], "Signature=")
	if !ok || signature == "" {
		return nil, fmt.Errorf("%w: missing Signature field", ErrMalformed)
	}
	info.Signature = signature

	signedAt, err := parseRequestDate(r.Header)
	if err != nil {
		return nil, err
	}
	info.SignedAt = signedAt

	info.PayloadHash = r.Header.Get(headerAmzContentSHA256)
	if info.PayloadHash == "" {
		info.PayloadHash = EmptySHA256
	}

	return info, nil
}

// parsePresignedQuery parses query-string authentication per the presigned
// URL format.
func parsePresignedQuery(r *http.Request) (*AuthInfo, error) {
	q := r.URL.Query()

	for _, param := range []string{queryAlgorithm, queryCredential, queryDate, queryExpires, querySignedHeaders, querySignature} {
		if q.Get(param) == "" {
			return nil, fmt.Errorf("%w: missing %s query parameter", ErrMalformed, param)
		}
	}
	if q.Get(queryAlgorithm) != SignV4Algorithm {
		return nil, fmt.Errorf("%w: unsupported signing algorithm", ErrMalformed)
	}

	info := &AuthInfo{Presigned: true}

	if err := parseCredential(q.Get(queryCredential), info); err != nil {
		return nil, err
	}

	signedAt, err := time.Parse(iso8601Format, q.Get(queryDate))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid X-Amz-Date: %v", ErrMalformed, err)
	}
	info.SignedAt = signedAt

	expires, err := strconv.ParseInt(q.Get(queryExpires), 10, 64)
	if err != nil || expires < 1 {
		return nil, fmt.Errorf("%w: invalid X-Amz-Expires", ErrMalformed)
	}
	info.Expires = time.Duration(expires) * time.Second
	if info.Expires > maxPresignExpiry {
		return nil, fmt.Errorf("%w: X-Amz-Expires exceeds the 7 day maximum", ErrMalformed)
	}

	info.SignedHeaders = strings.Split(strings.ToLower(q.Get(querySignedHeaders)), ";")
	info.Signature = q.Get(querySignature)

	info.PayloadHash = q.Get(headerAmzContentSHA256)
	if info.PayloadHash == "" {
		info.PayloadHash = r.Header.Get(headerAmzContentSHA256)
	}
	if info.PayloadHash == "" {
		info.PayloadHash = UnsignedPayload
	}

	return info, nil
}

// parseCredential splits accessKey/date/region/service/aws4_request.
func parseCredential(cred string, info *AuthInfo) error {
	parts := strings.Split(cred, "/")
	if len(parts) != 5 {
		return fmt.Errorf("%w: credential scope must have 5 parts, got %d", ErrMalformed, len(parts))
	}
	if parts[0] == "" {
		return fmt.Errorf("%w: empty access key", ErrMalformed)
	}
	if _, err := time.Parse(yyyymmddFormat, parts[1]); err != nil {
		return fmt.Errorf("%w: invalid credential scope date", ErrMalformed)
	}
	if parts[3] != serviceS3 {
		return fmt.Errorf("%w: credential scope service must be s3", ErrMalformed)
	}
	if parts[4] != credentialTerminator {
		return fmt.Errorf("%w: credential scope must end with aws4_request", ErrMalformed)
	}
	info.AccessKey = parts[0]
	info.ScopeDate = parts[1]
	info.Region = parts[2]
	return nil
}

// parseRequestDate reads the signing time from X-Amz-Date, falling back to
// the standard Date header.
func parseRequestDate(h http.Header) (time.Time, error) {
	if amzDate := h.Get(headerAmzDate); amzDate != "" {
		t, err := time.Parse(iso8601Format, amzDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid X-Amz-Date: %v", ErrMalformed, err)
		}
		return t, nil
	}
	if date := h.Get("Date"); date != "" {
		for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
			if t, err := time.Parse(layout, date); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: invalid Date header", ErrMalformed)
	}
	return time.Time{}, fmt.Errorf("%w: no X-Amz-Date or Date header", ErrMalformed)
}
