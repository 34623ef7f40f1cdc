package sigv4

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	miniosigner "github.com/minio/minio-go/v7/pkg/signer"
)

// DefaultSkew is the accepted clock difference between client and proxy.
const DefaultSkew = 15 * time.Minute

// Codec verifies inbound signatures and computes outbound ones. A single
// Codec is shared by all requests; it holds no per-request state.
type Codec struct {
	signer *v4.Signer
	skew   time.Duration
	now    func() time.Time
}

// New returns a Codec accepting timestamps within ±skew of the current time.
// A non-positive skew selects DefaultSkew.
func New(skew time.Duration) *Codec {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Codec{
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			o.DisableSessionToken = true
			o.DisableHeaderHoisting = true
			// S3 signs the raw, single-escaped URI path.
			o.DisableURIPathEscaping = true
		}),
		skew: skew,
		now:  time.Now,
	}
}

// Verify recomputes the signature for r using secretKey and compares it
// constant-time against the claimed one. The request body is not read.
func (c *Codec) Verify(r *http.Request, info *AuthInfo, secretKey string) error {
	if info.Presigned {
		return c.verifyPresigned(r, info, secretKey)
	}
	return c.verifyHeader(r, info, secretKey)
}

func (c *Codec) verifyHeader(r *http.Request, info *AuthInfo, secretKey string) error {
	if skew := c.now().Sub(info.SignedAt); skew > c.skew || skew < -c.skew {
		return ErrExpired
	}

	clone := cloneForSigning(r, info.SignedHeaders)
	creds := aws.Credentials{AccessKeyID: info.AccessKey, SecretAccessKey: secretKey}

	err := c.signer.SignHTTP(r.Context(), creds, clone, info.PayloadHash, serviceS3, info.Region, info.SignedAt)
	if err != nil {
		return fmt.Errorf("failed to recompute signature: %w", err)
	}

	computed, err := signatureFromAuthHeader(clone.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(info.Signature)) != 1 {
		return ErrMismatch
	}
	return nil
}

func (c *Codec) verifyPresigned(r *http.Request, info *AuthInfo, secretKey string) error {
	now := c.now()
	if info.SignedAt.After(now.Add(c.skew)) {
		return ErrExpired
	}
	if now.Sub(info.SignedAt) > info.Expires {
		return ErrExpired
	}

	clone := cloneForSigning(r, info.SignedHeaders)
	q := clone.URL.Query()
	q.Del(querySignature)
	clone.URL.RawQuery = q.Encode()

	creds := aws.Credentials{AccessKeyID: info.AccessKey, SecretAccessKey: secretKey}
	signedURL, _, err := c.signer.PresignHTTP(r.Context(), creds, clone, info.PayloadHash, serviceS3, info.Region, info.SignedAt)
	if err != nil {
		return fmt.Errorf("failed to recompute presigned signature: %w", err)
	}

	u, err := url.Parse(signedURL)
	if err != nil {
		return fmt.Errorf("failed to parse recomputed presigned URL: %w", err)
	}
	computed := u.Query().Get(querySignature)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(info.Signature)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Sign authorizes an outbound request with a fresh header signature computed
// at now. payloadHash is placed in X-Amz-Content-Sha256 and bound into the
// canonical request.
func (c *Codec) Sign(req *http.Request, creds aws.Credentials, region, payloadHash string, now time.Time) error {
	req.Header.Set(headerAmzContentSHA256, payloadHash)
	if err := c.signer.SignHTTP(req.Context(), creds, req, payloadHash, serviceS3, region, now.UTC()); err != nil {
		return fmt.Errorf("failed to sign outbound request: %w", err)
	}
	return nil
}

// Presign authorizes an outbound request with query-string authentication,
// mirroring an inbound presigned URL. It rewrites req.URL to the signed form.
func (c *Codec) Presign(req *http.Request, creds aws.Credentials, region, payloadHash string, expires time.Duration, now time.Time) error {
	q := req.URL.Query()
	q.Set(queryExpires, strconv.FormatInt(int64(expires/time.Second), 10))
	req.URL.RawQuery = q.Encode()

	signedURL, signedHeaders, err := c.signer.PresignHTTP(req.Context(), creds, req, payloadHash, serviceS3, region, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to presign outbound request: %w", err)
	}
	u, err := url.Parse(signedURL)
	if err != nil {
		return fmt.Errorf("failed to parse presigned URL: %w", err)
	}
	req.URL = u
	for k, vs := range signedHeaders {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return nil
}

// StreamingSign re-chunks and re-signs an aws-chunked outbound body using the
// backend credentials. req.Body must already be the decoded payload stream and
// decodedLen its total length.
func (c *Codec) StreamingSign(req *http.Request, creds aws.Credentials, region string, decodedLen int64, now time.Time) *http.Request {
	return miniosigner.StreamingSignV4(req, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		region, decodedLen, now.UTC(), newSHA256Hasher())
}

// Skew returns the configured clock-skew window.
func (c *Codec) Skew() time.Duration {
	return c.skew
}

// cloneForSigning builds a copy of r containing exactly the signed headers,
// so that unsigned headers added by intermediaries cannot perturb the
// canonical request.
func cloneForSigning(r *http.Request, signedHeaders []string) *http.Request {
	clone := r.Clone(r.Context())
	clone.Header = make(http.Header, len(signedHeaders))
	clone.Body = nil
	clone.ContentLength = 0

	for _, name := range signedHeaders {
		switch name {
		case "host":
			// r.Clone already carries Host; nothing to copy.
		case "content-length":
			clone.ContentLength = r.ContentLength
			clone.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
		default:
			if vals := r.Header.Values(name); len(vals) > 0 {
				clone.Header[http.CanonicalHeaderKey(name)] = vals
			}
		}
	}
	return clone
}

// signatureFromAuthHeader extracts the Signature= value of an Authorization
// header produced by the signer.
func signatureFromAuthHeader(header string) (string, error) {
	for _, part := range strings.Split(header, ",") {
		if sig, ok := strings.CutPrefix(strings.TrimSpace(part), "Signature="); ok {
			return sig, nil
		}
	}
	return "", fmt.Errorf("%w: no Signature in recomputed Authorization header", ErrMalformed)
}
