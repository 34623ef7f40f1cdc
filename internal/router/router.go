// Package router turns inbound HTTP requests into a canonical request model
// and resolves each one to a backend target using the credential directory.
package router

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/kenneth/s3-credential-proxy/internal/creds"
	"github.com/kenneth/s3-credential-proxy/internal/sigv4"
)

// RequestContext is the canonical model of one inbound request. It is
// immutable after parsing.
type RequestContext struct {
	Method        string
	RawPath       string
	Bucket        string
	Key           string
	Query         url.Values
	Header        http.Header
	ContentLength int64
	Auth          *sigv4.AuthInfo
}

// BackendTarget binds a parsed request to the backend it will be relayed to.
type BackendTarget struct {
	Endpoint    *url.URL
	Region      string
	Credentials aws.Credentials
	Bucket      string
	Key         string
}

// ParseContext parses method, bucket, key, query and auth material into a
// RequestContext. vhostSuffixes lists the proxy's own domains: a Host of
// bucket.<suffix> selects virtual-hosted addressing, anything else is
// path-style. Both styles resolve to the same canonical bucket/key pair.
func ParseContext(r *http.Request, vhostSuffixes []string) (*RequestContext, error) {
	auth, err := sigv4.ParseRequest(r)
	if err != nil {
		return nil, err
	}

	bucket, key := splitBucketKey(r, vhostSuffixes)

	ctx := &RequestContext{
		Method:        r.Method,
		RawPath:       r.URL.Path,
		Bucket:        bucket,
		Key:           key,
		Query:         r.URL.Query(),
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Auth:          auth,
	}
	return ctx, nil
}

// BucketFromRequest resolves just the bucket name of a request, honoring
// both addressing styles. Used by middleware that runs before full parsing.
func BucketFromRequest(r *http.Request, vhostSuffixes []string) string {
	bucket, _ := splitBucketKey(r, vhostSuffixes)
	return bucket
}

// splitBucketKey resolves both S3 addressing styles to one bucket/key pair.
// Service-level requests (ListBuckets) yield an empty bucket.
func splitBucketKey(r *http.Request, vhostSuffixes []string) (bucket, key string) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	for _, suffix := range vhostSuffixes {
		if b, ok := strings.CutSuffix(host, "."+suffix); ok && b != "" && !strings.Contains(b, ".") {
			return b, strings.Trim(r.URL.Path, "/")
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// Route resolves a request to its backend target. It is a pure function of
// its inputs: the bucket-prefix rewrite is applied and the endpoint, region
// and backend credentials are bound from the credential entry.
func Route(ctx *RequestContext, entry *creds.Entry) *BackendTarget {
	bucket := ctx.Bucket
	if bucket != "" && entry.BucketPrefix != "" {
		bucket = entry.BucketPrefix + bucket
	}
	return &BackendTarget{
		Endpoint: entry.EndpointURL(),
		Region:   entry.Backend.Region,
		Credentials: aws.Credentials{
			AccessKeyID:     entry.Backend.AccessKey,
			SecretAccessKey: entry.Backend.SecretKey,
		},
		Bucket: bucket,
		Key:    ctx.Key,
	}
}

// BackendURL builds the outbound URL for the target. Requests toward the
// backend always use path-style addressing so that any S3-compatible store
// works without wildcard DNS.
func (t *BackendTarget) BackendURL(query url.Values) *url.URL {
	u := *t.Endpoint
	u.Path = t.Path()
	u.RawQuery = query.Encode()
	return &u
}

// Path returns the path-style request path for the rewritten bucket and key.
func (t *BackendTarget) Path() string {
	switch {
	case t.Bucket == "":
		return "/"
	case t.Key == "":
		return "/" + t.Bucket
	default:
		return "/" + t.Bucket + "/" + t.Key
	}
}

// EndpointKey identifies the backend endpoint for connection pooling.
func (t *BackendTarget) EndpointKey() string {
	return t.Endpoint.Scheme + "://" + t.Endpoint.Host
}

// Resource returns the client-visible resource path for error documents.
func (ctx *RequestContext) Resource() string {
	switch {
	case ctx.Bucket == "":
		return "/"
	case ctx.Key == "":
		return fmt.Sprintf("/%s", ctx.Bucket)
	default:
		return fmt.Sprintf("/%s/%s", ctx.Bucket, ctx.Key)
	}
}
