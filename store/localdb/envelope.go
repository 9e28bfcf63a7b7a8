package localdb

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	offlinecache "github.com/wolfeidau/offline-cache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

type contentEncoding uint64

const (
	encodingIdentity contentEncoding = 0
	encodingZstd     contentEncoding = 1
)

// Envelope field numbers. The wire format is protobuf so that fields can be
// added without rewriting existing databases.
const (
	fieldPayload      protowire.Number = 1
	fieldEncoding     protowire.Number = 2
	fieldDigest       protowire.Number = 3
	fieldSize         protowire.Number = 4
	fieldStoredAt     protowire.Number = 5
	fieldCachedAt     protowire.Number = 6
	fieldLastAccessed protowire.Number = 7
	fieldUpdatedAt    protowire.Number = 8
	fieldIndexValue   protowire.Number = 9
)

// indexValue is a declared secondary index value captured at write time, so
// stale index keys can be removed without decoding the old payload.
type indexValue struct {
	name  string
	value string
}

// envelope wraps every stored payload with its encoding, digest and timestamps.
// payload holds the stored (possibly compressed) bytes.
type envelope struct {
	payload      []byte
	encoding     contentEncoding
	digest       string
	size         uint64
	storedAt     time.Time
	cachedAt     time.Time
	lastAccessed time.Time
	updatedAt    time.Time
	indexValues  []indexValue
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

// marshal encodes the envelope in protobuf wire format.
func (e *envelope) marshal() []byte {
	b := make([]byte, 0, len(e.payload)+96)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.payload)
	if e.encoding != encodingIdentity {
		b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.encoding))
	}
	if e.digest != "" {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendString(b, e.digest)
	}
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.size)
	b = appendTime(b, fieldStoredAt, e.storedAt)
	b = appendTime(b, fieldCachedAt, e.cachedAt)
	b = appendTime(b, fieldLastAccessed, e.lastAccessed)
	b = appendTime(b, fieldUpdatedAt, e.updatedAt)
	for _, iv := range e.indexValues {
		b = protowire.AppendTag(b, fieldIndexValue, protowire.BytesType)
		b = protowire.AppendString(b, iv.name+"\x00"+iv.value)
	}
	return b
}

// unmarshalEnvelope decodes an envelope without touching the payload encoding.
func unmarshalEnvelope(data []byte) (*envelope, error) {
	e := &envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoding envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding envelope payload: %w", protowire.ParseError(m))
			}
			e.payload = append([]byte(nil), v...)
			n = m
		case num == fieldDigest && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding envelope digest: %w", protowire.ParseError(m))
			}
			e.digest = v
			n = m
		case num == fieldIndexValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding envelope index: %w", protowire.ParseError(m))
			}
			name, value, _ := strings.Cut(v, "\x00")
			e.indexValues = append(e.indexValues, indexValue{name: name, value: value})
			n = m
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding envelope field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldEncoding:
				e.encoding = contentEncoding(v)
			case fieldSize:
				e.size = v
			case fieldStoredAt:
				e.storedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldCachedAt:
				e.cachedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldLastAccessed:
				e.lastAccessed = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldUpdatedAt:
				e.updatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			n = m
		default:
			// Unknown field from a newer writer.
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("skipping envelope field %d: %w", num, protowire.ParseError(m))
			}
			n = m
		}
		data = data[n:]
	}
	return e, nil
}

// Codec handles payload encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// seal builds an envelope for data, compressing it when that saves space.
func (c *Codec) seal(data []byte) (*envelope, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	e := &envelope{
		payload:  data,
		encoding: encodingIdentity,
		digest:   offlinecache.HashBytes(data).Digest(),
		size:     uint64(len(data)),
	}

	if len(data) < CompressionThreshold {
		return e, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return e, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		e.payload = compressed
		e.encoding = encodingZstd
	}
	return e, nil
}

// open returns the original payload of e, verifying its digest.
func (c *Codec) open(e *envelope) ([]byte, error) {
	var data []byte
	switch e.encoding {
	case encodingIdentity:
		data = e.payload
	case encodingZstd:
		if e.size > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(e.payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if uint64(len(decompressed)) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", e.encoding)
	}

	if e.digest != "" && offlinecache.HashBytes(data).Digest() != e.digest {
		return nil, ErrCorrupted
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
