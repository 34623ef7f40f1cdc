package sigv4

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

const (
	chunkTestSecret = "topsecret"
	chunkTestSeed   = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func streamingAuthInfo(payloadHash string) *AuthInfo {
	return &AuthInfo{
		AccessKey:   "AKIDEXAMPLE",
		Signature:   chunkTestSeed,
		Region:      "us-east-1",
		ScopeDate:   "20260831",
		SignedAt:    testTime,
		PayloadHash: payloadHash,
	}
}

// buildSignedBody frames chunks with a valid rolling signature chain.
func buildSignedBody(info *AuthInfo, chunks ...[]byte) *bytes.Buffer {
	var buf bytes.Buffer
	prev := info.Signature
	for _, chunk := range chunks {
		sig := SignChunk(chunkTestSecret, info, prev, chunk)
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", len(chunk), sig)
		buf.Write(chunk)
		buf.WriteString("\r\n")
		prev = sig
	}
	finalSig := SignChunk(chunkTestSecret, info, prev, nil)
	fmt.Fprintf(&buf, "0;chunk-signature=%s\r\n\r\n", finalSig)
	return &buf
}

func TestChunkedReader_SignedStream(t *testing.T) {
	info := streamingAuthInfo(StreamingPayload)
	chunkA := bytes.Repeat([]byte("a"), 1024)
	chunkB := []byte("tail")
	body := buildSignedBody(info, chunkA, chunkB)

	cr := NewChunkedReader(body, info, chunkTestSecret, int64(len(chunkA)+len(chunkB)))
	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	want := append(append([]byte{}, chunkA...), chunkB...)
	if !bytes.Equal(got, want) {
		t.Fatalf("decoded %d bytes, want %d", len(got), len(want))
	}
}

func TestChunkedReader_TamperedChunk(t *testing.T) {
	info := streamingAuthInfo(StreamingPayload)
	chunk := bytes.Repeat([]byte("a"), 256)
	body := buildSignedBody(info, chunk).Bytes()

	// Flip the first payload byte, right after the chunk header line.
	idx := bytes.Index(body, []byte("\r\n")) + 2
	body[idx] = 'b'

	cr := NewChunkedReader(bytes.NewReader(body), info, chunkTestSecret, int64(len(chunk)))
	_, err := io.ReadAll(cr)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("err = %v, want ErrMismatch", err)
	}
}

func TestChunkedReader_WrongSeedSignature(t *testing.T) {
	info := streamingAuthInfo(StreamingPayload)
	chunk := []byte("payload")
	body := buildSignedBody(info, chunk)

	// The reader chains off the request signature; a different seed breaks
	// every chunk.
	badInfo := *info
	badInfo.Signature = strings.Repeat("f", 64)

	cr := NewChunkedReader(body, &badInfo, chunkTestSecret, int64(len(chunk)))
	_, err := io.ReadAll(cr)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("err = %v, want ErrMismatch", err)
	}
}

func TestChunkedReader_MissingChunkSignature(t *testing.T) {
	info := streamingAuthInfo(StreamingPayload)
	body := strings.NewReader("5\r\nhello\r\n0\r\n\r\n")

	cr := NewChunkedReader(body, info, chunkTestSecret, 5)
	_, err := io.ReadAll(cr)
	if !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}

func TestChunkedReader_UnsignedTrailerStream(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n")

	cr := NewChunkedReader(body, info, "", 5)
	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("decoded %q, want hello", got)
	}
}

func TestChunkedReader_UnsignedRejectsSignature(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader("5;chunk-signature=abc\r\nhello\r\n0\r\n\r\n")

	cr := NewChunkedReader(body, info, "", 5)
	if _, err := io.ReadAll(cr); !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}

func TestChunkedReader_DecodedLengthMismatch(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader("5\r\nhello\r\n0\r\n\r\n")

	cr := NewChunkedReader(body, info, "", 50)
	if _, err := io.ReadAll(cr); !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}

func TestChunkedReader_TruncatedStream(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader("ff\r\nonly a few bytes")

	cr := NewChunkedReader(body, info, "", 255)
	if _, err := io.ReadAll(cr); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

// headerFlood emits chunk-header bytes forever without a line terminator.
type headerFlood struct{}

func (headerFlood) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'f'
	}
	return len(p), nil
}

func TestChunkedReader_EndlessChunkHeader(t *testing.T) {
	info := streamingAuthInfo(StreamingPayload)

	cr := NewChunkedReader(headerFlood{}, info, chunkTestSecret, -1)
	buf := make([]byte, 32)
	_, err := cr.Read(buf)
	if !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}

func TestChunkedReader_OversizedChunkHeader(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader(strings.Repeat("0", maxChunkHeaderLen+1) + "\r\nrest")

	cr := NewChunkedReader(body, info, "", -1)
	if _, err := io.ReadAll(cr); !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}

func TestChunkedReader_BadChunkSize(t *testing.T) {
	info := streamingAuthInfo(StreamingUnsignedTrailer)
	body := strings.NewReader("zz\r\n")

	cr := NewChunkedReader(body, info, "", -1)
	if _, err := io.ReadAll(cr); !errors.Is(err, ErrChunkMalformed) {
		t.Fatalf("err = %v, want ErrChunkMalformed", err)
	}
}
