package sigv4

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	chunkSignAlgorithm = "AWS4-HMAC-SHA256-PAYLOAD"
	chunkSigPrefix     = "chunk-signature="
	// Chunk meta lines are tiny; anything longer is framing corruption.
	maxChunkHeaderLen = 1024
)

// ErrChunkMalformed means the aws-chunked framing could not be parsed.
var ErrChunkMalformed = errors.New("chunked encoding is malformed")

// ChunkedReader strips aws-chunked framing from a request body, yielding the
// decoded payload bytes. For signed streams every chunk signature is verified
// against the rolling signature chain seeded by the request signature; a bad
// chunk fails the Read with ErrMismatch. Chunk data is hashed as it streams,
// so no chunk is ever buffered whole.
type ChunkedReader struct {
	r *bufio.Reader

	signed   bool
	trailing bool

	signingKey []byte
	dateTime   string
	scope      string
	prevSig    string
	chunkSig   string
	chunkHash  hash.Hash

	remaining   int64 // bytes left in current chunk
	decodedLeft int64 // declared decoded length left, -1 when unknown
	err         error
}

// NewChunkedReader wraps body for decoding. secretKey is only used for signed
// streams; decodedLen comes from x-amz-decoded-content-length (-1 if absent).
func NewChunkedReader(body io.Reader, info *AuthInfo, secretKey string, decodedLen int64) *ChunkedReader {
	cr := &ChunkedReader{
		r:           bufio.NewReader(body),
		signed:      info.Streaming(),
		trailing:    info.Trailing(),
		decodedLeft: decodedLen,
	}
	if cr.signed {
		cr.signingKey = deriveSigningKey(secretKey, info.ScopeDate, info.Region)
		cr.dateTime = info.SignedAt.UTC().Format(iso8601Format)
		cr.scope = info.Scope()
		cr.prevSig = info.Signature
		cr.chunkHash = sha256.New()
	}
	return cr
}

// Err returns the terminal decode error, nil until the stream ends and
// io.EOF on clean completion. Callers use it to distinguish a body decode
// failure from a transport failure after a send aborts.
func (cr *ChunkedReader) Err() error {
	return cr.err
}

func (cr *ChunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}

	for cr.remaining == 0 {
		size, err := cr.readChunkHeader()
		if err != nil {
			cr.err = err
			return 0, err
		}
		if size == 0 {
			cr.err = cr.finish()
			return 0, cr.err
		}
		cr.remaining = size
	}

	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := io.ReadFull(cr.r, p)
	if cr.signed && n > 0 {
		cr.chunkHash.Write(p[:n])
	}
	cr.remaining -= int64(n)
	if cr.decodedLeft >= 0 {
		if cr.decodedLeft -= int64(n); cr.decodedLeft < 0 {
			cr.err = fmt.Errorf("%w: decoded content length exceeded", ErrChunkMalformed)
			return n, cr.err
		}
	}
	if err != nil {
		cr.err = unexpectedEOF(err)
		return n, cr.err
	}

	if cr.remaining == 0 {
		if err := cr.endChunk(); err != nil {
			cr.err = err
			return n, err
		}
	}
	return n, nil
}

// readChunkHeader parses "hexsize[;chunk-signature=hex]\r\n". The CRLF
// terminating the previous chunk's data has already been consumed by endChunk.
func (cr *ChunkedReader) readChunkHeader() (int64, error) {
	line, err := cr.readLine()
	if err != nil {
		return 0, err
	}

	sizeStr, sig, hasSig := strings.Cut(line, ";")
	if cr.signed {
		if !hasSig || !strings.HasPrefix(sig, chunkSigPrefix) {
			return 0, fmt.Errorf("%w: missing chunk signature", ErrChunkMalformed)
		}
		cr.chunkSig = strings.TrimPrefix(sig, chunkSigPrefix)
		cr.chunkHash.Reset()
	} else if hasSig {
		return 0, fmt.Errorf("%w: unexpected chunk signature on unsigned stream", ErrChunkMalformed)
	}

	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrChunkMalformed, sizeStr)
	}
	return size, nil
}

// endChunk consumes the CRLF after chunk data and, for signed streams,
// verifies the chunk signature and advances the chain.
func (cr *ChunkedReader) endChunk() error {
	if err := cr.expectCRLF(); err != nil {
		return err
	}
	if !cr.signed {
		return nil
	}
	return cr.verifyChunkSig(hex.EncodeToString(cr.chunkHash.Sum(nil)))
}

// finish handles the zero-length terminal chunk: verifies its signature,
// drains any trailing headers, and reports EOF.
func (cr *ChunkedReader) finish() error {
	if cr.signed {
		if err := cr.verifyChunkSig(EmptySHA256); err != nil {
			return err
		}
	}
	if cr.trailing {
		for {
			line, err := cr.readLine()
			if err != nil {
				return err
			}
			if line == "" {
				break
			}
		}
	} else {
		// Terminal CRLF.
		if err := cr.expectCRLF(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
	}
	if cr.decodedLeft > 0 {
		return fmt.Errorf("%w: decoded content length not reached", ErrChunkMalformed)
	}
	return io.EOF
}

func (cr *ChunkedReader) verifyChunkSig(payloadDigest string) error {
	stringToSign := strings.Join([]string{
		chunkSignAlgorithm,
		cr.dateTime,
		cr.scope,
		cr.prevSig,
		EmptySHA256,
		payloadDigest,
	}, "\n")
	computed := hex.EncodeToString(sumHMAC(cr.signingKey, []byte(stringToSign)))
	if subtle.ConstantTimeCompare([]byte(computed), []byte(cr.chunkSig)) != 1 {
		return ErrMismatch
	}
	cr.prevSig = computed
	return nil
}

// readLine reads one CRLF-terminated meta line without accumulating beyond
// the bufio buffer: a line that overflows it is framing corruption, not a
// reason to keep buffering.
func (cr *ChunkedReader) readLine() (string, error) {
	line, err := cr.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("%w: chunk header too long", ErrChunkMalformed)
		}
		return "", unexpectedEOF(err)
	}
	if len(line) > maxChunkHeaderLen {
		return "", fmt.Errorf("%w: chunk header too long", ErrChunkMalformed)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (cr *ChunkedReader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(cr.r, crlf[:]); err != nil {
		return unexpectedEOF(err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: missing chunk terminator", ErrChunkMalformed)
	}
	return nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// deriveSigningKey implements the SigV4 key derivation chain.
func deriveSigningKey(secretKey, date, region string) []byte {
	dateKey := sumHMAC([]byte("AWS4"+secretKey), []byte(date))
	regionKey := sumHMAC(dateKey, []byte(region))
	serviceKey := sumHMAC(regionKey, []byte(serviceS3))
	return sumHMAC(serviceKey, []byte(credentialTerminator))
}

func sumHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// SignChunk computes one chunk signature in the rolling chain. Exposed for
// tests and for constructing well-formed chunked bodies.
func SignChunk(secretKey string, info *AuthInfo, prevSig string, chunk []byte) string {
	key := deriveSigningKey(secretKey, info.ScopeDate, info.Region)
	digest := sha256.Sum256(chunk)
	stringToSign := strings.Join([]string{
		chunkSignAlgorithm,
		info.SignedAt.UTC().Format(iso8601Format),
		info.Scope(),
		prevSig,
		EmptySHA256,
		hex.EncodeToString(digest[:]),
	}, "\n")
	return hex.EncodeToString(sumHMAC(key, []byte(stringToSign)))
}

var sha256Pool = sync.Pool{New: func() any { return sha256.New() }}

// sha256Hasher adapts a pooled SHA-256 to the hasher interface the minio
// streaming signer expects.
type sha256Hasher struct {
	hash.Hash
}

func newSHA256Hasher() *sha256Hasher {
	return &sha256Hasher{Hash: sha256Pool.Get().(hash.Hash)}
}

func (s *sha256Hasher) Close() {
	if s.Hash != nil {
		s.Reset()
		sha256Pool.Put(s.Hash)
		s.Hash = nil
	}
}
