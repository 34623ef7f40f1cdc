// Package relay implements the request pipeline: verify the inbound
// signature, resolve the backend, re-sign, and stream the exchange without
// buffering bodies.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-credential-proxy/internal/audit"
	"github.com/kenneth/s3-credential-proxy/internal/creds"
	"github.com/kenneth/s3-credential-proxy/internal/metrics"
	"github.com/kenneth/s3-credential-proxy/internal/pool"
	"github.com/kenneth/s3-credential-proxy/internal/router"
	"github.com/kenneth/s3-credential-proxy/internal/sigv4"
)

const (
	// copyBufSize is the chunk size for streaming bodies in both directions.
	copyBufSize = 32 * 1024
	// rejectDrainLimit bounds how much of a rejected request's body is drained
	// so the connection stays usable for the error response.
	rejectDrainLimit = 64 * 1024

	headerDecodedLength = "X-Amz-Decoded-Content-Length"
)

// Options tunes the relay pipeline.
type Options struct {
	// VHostSuffixes are the proxy's own domains for virtual-hosted addressing.
	VHostSuffixes []string
	// MaxAttempts caps backend attempts for idempotent requests.
	MaxAttempts int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = 100 * time.Millisecond
	}
	return out
}

// Engine relays verified requests to their backends. It is safe for
// concurrent use.
type Engine struct {
	codec   *sigv4.Codec
	dir     *creds.Directory
	pool    *pool.Pool
	metrics *metrics.Metrics
	audit   audit.Logger
	log     *logrus.Logger
	opts    Options
	now     func() time.Time
}

// New builds a relay engine.
func New(dir *creds.Directory, codec *sigv4.Codec, p *pool.Pool, m *metrics.Metrics, a audit.Logger, log *logrus.Logger, opts Options) *Engine {
	return &Engine{
		codec:   codec,
		dir:     dir,
		pool:    p,
		metrics: m,
		audit:   a,
		log:     log,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// ServeHTTP runs the full pipeline for one request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := e.now()
	requestID := xid.New().String()
	clientIP := clientAddr(r)

	rctx, err := router.ParseContext(r, e.opts.VHostSuffixes)
	if err != nil {
		e.reject(w, r, "", "/", requestID, clientIP, err, start)
		return
	}

	entry, ok := e.dir.Lookup(rctx.Auth.AccessKey)
	if !ok {
		e.reject(w, r, rctx.Auth.AccessKey, rctx.Resource(), requestID, clientIP, ErrInvalidAccessKeyID, start)
		return
	}

	if err := e.codec.Verify(r, rctx.Auth, entry.SecretKey); err != nil {
		e.reject(w, r, rctx.Auth.AccessKey, rctx.Resource(), requestID, clientIP, err, start)
		return
	}

	target := router.Route(rctx, entry)
	status, bytesIn, bytesOut, headerWritten, err := e.relay(w, r, rctx, entry, target, requestID)
	duration := e.now().Sub(start)

	if err != nil {
		s3err := TranslateError(err, rctx.Resource(), requestID)
		e.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"access_key": rctx.Auth.AccessKey,
			"method":     r.Method,
			"bucket":     rctx.Bucket,
			"code":       s3err.Code,
			"error":      err.Error(),
		}).Warn("Relay failed")
		e.audit.LogBackendError(rctx.Auth.AccessKey, r.Method, rctx.Bucket, rctx.Key, requestID, err)
		if !headerWritten {
			status = s3err.HTTPStatus
			s3err.WriteXML(w)
		}
	}

	e.metrics.RecordRequest(r.Method, status, duration)
	e.metrics.RecordBytes("in", bytesIn)
	e.metrics.RecordBytes("out", bytesOut)
	e.audit.LogRelay(rctx.Auth.AccessKey, r.Method, rctx.Bucket, rctx.Key, clientIP, requestID, status, bytesIn, bytesOut, duration)
}

// relay signs and forwards the request, then streams the response back.
// headerWritten reports whether the client response has started; once it has,
// errors can only be logged.
func (e *Engine) relay(w http.ResponseWriter, r *http.Request, rctx *router.RequestContext, entry *creds.Entry, target *router.BackendTarget, requestID string) (status int, bytesIn, bytesOut int64, headerWritten bool, err error) {
	auth := rctx.Auth

	var body io.Reader = r.Body
	var chunked *sigv4.ChunkedReader
	contentLength := r.ContentLength
	payloadHash := auth.PayloadHash
	streaming := false

	if auth.Chunked() {
		decodedLen, perr := decodedLength(r.Header)
		if perr != nil {
			return 0, 0, 0, false, perr
		}
		chunked = sigv4.NewChunkedReader(r.Body, auth, entry.SecretKey, decodedLen)
		body = chunked
		contentLength = decodedLen
		if auth.Streaming() {
			streaming = true
		} else {
			// Unsigned chunked input is forwarded as a plain unsigned body.
			payloadHash = sigv4.UnsignedPayload
		}
	}

	in := &countingReader{r: body}
	attempts := 1
	if idempotent(r.Method) {
		attempts = e.opts.MaxAttempts
	}

	var resp *http.Response
	var conn *pool.Conn
	for attempt := 0; ; attempt++ {
		req, rerr := e.buildOutbound(r, rctx, target, in, contentLength, payloadHash, streaming)
		if rerr != nil {
			return 0, in.count(), 0, false, rerr
		}

		conn, err = e.pool.Acquire(r.Context(), target.EndpointKey())
		if err != nil {
			if errors.Is(err, pool.ErrExhausted) {
				e.metrics.RecordPoolExhausted(target.EndpointKey())
			}
			return 0, in.count(), 0, false, err
		}

		resp, err = conn.Do(req)
		if err == nil {
			break
		}

		e.pool.Release(conn, false)
		e.metrics.RecordBackendError(target.EndpointKey())
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return 0, in.count(), 0, false, ctxErr
		}
		// A chunked body that failed to decode aborts the send; surface the
		// decode error instead of blaming the backend.
		if chunked != nil {
			if cerr := chunked.Err(); cerr != nil && !errors.Is(cerr, io.EOF) {
				return 0, in.count(), 0, false, cerr
			}
		}
		// Once body bytes reached the backend the request cannot be replayed.
		if in.count() > 0 || attempt+1 >= attempts {
			return 0, in.count(), 0, false, fmt.Errorf("%w: %v", errBackendUnreachable, err)
		}

		e.metrics.RecordRetry(r.Method)
		delay := e.opts.RetryBaseDelay << attempt
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return 0, in.count(), 0, false, r.Context().Err()
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && !isXML(resp.Header.Get("Content-Type")) {
		// Backends sometimes fail with bare text; wrap it so clients always
		// get an S3 error document. The body is drained up to the limit; a
		// connection with unread bytes past it cannot be reused.
		drained, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, rejectDrainLimit+1))
		e.pool.Release(conn, drained <= rejectDrainLimit)
		s3err := &S3Error{
			Code:       strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", ""),
			Message:    fmt.Sprintf("The backend store rejected the request with status %d.", resp.StatusCode),
			Resource:   rctx.Resource(),
			RequestID:  requestID,
			HTTPStatus: resp.StatusCode,
		}
		s3err.WriteXML(w)
		return resp.StatusCode, in.count(), 0, true, nil
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	headerWritten = true

	buf := make([]byte, copyBufSize)
	n, copyErr := io.CopyBuffer(w, resp.Body, buf)
	e.pool.Release(conn, copyErr == nil)
	if copyErr != nil {
		return resp.StatusCode, in.count(), n, true, fmt.Errorf("%w: %v", errBackendUnreachable, copyErr)
	}
	return resp.StatusCode, in.count(), n, true, nil
}

// buildOutbound constructs a freshly signed backend request. The body reader
// is shared across retry attempts; callers must not retry once it has been
// read from.
func (e *Engine) buildOutbound(r *http.Request, rctx *router.RequestContext, target *router.BackendTarget, body io.Reader, contentLength int64, payloadHash string, streaming bool) (*http.Request, error) {
	u := target.BackendURL(outboundQuery(rctx.Query))

	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build outbound request: %w", err)
	}
	forwardHeaders(req.Header, r.Header)

	now := e.now()
	if streaming {
		req.Body = io.NopCloser(body)
		return e.codec.StreamingSign(req, target.Credentials, target.Region, contentLength, now), nil
	}

	if contentLength != 0 {
		req.Body = io.NopCloser(body)
		req.ContentLength = contentLength
	}
	if err := e.codec.Sign(req, target.Credentials, target.Region, payloadHash, now); err != nil {
		return nil, err
	}
	return req, nil
}

// reject answers a failed authentication without touching the backend.
func (e *Engine) reject(w http.ResponseWriter, r *http.Request, accessKey, resource, requestID, clientIP string, err error, start time.Time) {
	// Drain a bounded amount of body so keep-alive clients can read the
	// error document.
	if r.Body != nil {
		io.Copy(io.Discard, io.LimitReader(r.Body, rejectDrainLimit))
	}

	s3err := TranslateError(err, resource, requestID)
	e.metrics.RecordAuthFailure(authFailureReason(err))
	e.audit.LogAuthFailure(accessKey, r.Method, clientIP, requestID, err)
	e.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"access_key": accessKey,
		"method":     r.Method,
		"client_ip":  clientIP,
		"code":       s3err.Code,
	}).Warn("Request rejected")

	s3err.WriteXML(w)
	e.metrics.RecordRequest(r.Method, s3err.HTTPStatus, e.now().Sub(start))
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, sigv4.ErrMissingAuth):
		return "missing"
	case errors.Is(err, sigv4.ErrMalformed):
		return "malformed"
	case errors.Is(err, sigv4.ErrExpired):
		return "expired"
	case errors.Is(err, sigv4.ErrMismatch):
		return "mismatch"
	default:
		var s3err *S3Error
		if errors.As(err, &s3err) && s3err.Code == ErrInvalidAccessKeyID.Code {
			return "unknown_key"
		}
		return "other"
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

func decodedLength(h http.Header) (int64, error) {
	v := h.Get(headerDecodedLength)
	if v == "" {
		return 0, fmt.Errorf("%w: missing %s", sigv4.ErrChunkMalformed, headerDecodedLength)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s", sigv4.ErrChunkMalformed, headerDecodedLength)
	}
	return n, nil
}

// hopHeaders are never forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// droppedRequestHeaders are consumed by the proxy and replaced on the
// outbound request.
var droppedRequestHeaders = map[string]bool{
	"Authorization":                true,
	"Host":                         true,
	"Content-Length":               true,
	"Expect":                       true,
	"X-Amz-Date":                   true,
	"X-Amz-Content-Sha256":         true,
	"X-Amz-Security-Token":         true,
	"X-Amz-Decoded-Content-Length": true,
	"X-Amz-Trailer":                true,
}

func forwardHeaders(dst, src http.Header) {
	for name, vals := range src {
		if hopHeaders[name] || droppedRequestHeaders[name] {
			continue
		}
		if name == "Content-Encoding" {
			if trimmed := dropAWSChunked(vals); len(trimmed) > 0 {
				dst["Content-Encoding"] = trimmed
			}
			continue
		}
		dst[name] = vals
	}
}

// dropAWSChunked removes the aws-chunked token, preserving any real content
// coding the client declared alongside it.
func dropAWSChunked(vals []string) []string {
	var out []string
	for _, v := range vals {
		var kept []string
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "aws-chunked") {
				continue
			}
			if t := strings.TrimSpace(token); t != "" {
				kept = append(kept, t)
			}
		}
		if len(kept) > 0 {
			out = append(out, strings.Join(kept, ", "))
		}
	}
	return out
}

// isXML reports whether the Content-Type names an XML media type, meaning the
// backend already produced an S3 error document that can pass through as-is.
func isXML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "xml")
}

func copyHeaders(dst, src http.Header) {
	for name, vals := range src {
		if hopHeaders[name] {
			continue
		}
		dst[name] = vals
	}
}

// outboundQuery strips inbound presign authentication parameters; everything
// else, including subresource markers like ?acl, is forwarded.
func outboundQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for name, vals := range q {
		switch name {
		case "X-Amz-Algorithm", "X-Amz-Credential", "X-Amz-Date", "X-Amz-Expires",
			"X-Amz-SignedHeaders", "X-Amz-Signature", "X-Amz-Security-Token":
			continue
		}
		out[name] = vals
	}
	return out
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// countingReader tracks how many body bytes left for the backend. The
// transport reads it from its own goroutine while the retry loop inspects the
// count, so it must be atomic.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) count() int64 {
	return c.n.Load()
}
