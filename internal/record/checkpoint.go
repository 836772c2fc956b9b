package record

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DomainCheckpoint is the hash domain for checkpoint content.
// The version suffix allows the algorithm to change later.
const DomainCheckpoint = "quill/checkpoint/v1"

// ErrCheckpointMismatch is returned when checkpoint content does not match
// its hash.
var ErrCheckpointMismatch = errors.New("checkpoint hash mismatch")

// Checkpoint is a compressed snapshot of a branch document at a log key.
type Checkpoint struct {
	Key       int64  `json:"key" cbor:"key"`
	Doc       []byte `json:"doc" cbor:"doc"`
	Hash      string `json:"hash" cbor:"hash"`
	Timestamp int64  `json:"t" cbor:"t"`
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("record: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("record: zstd decoder initialization failed: " + err.Error())
	}
}

// NewCheckpoint snapshots text at key. Timestamp is left for the backend.
func NewCheckpoint(key int64, text string) (Checkpoint, error) {
	hash, err := CheckpointHash(key, text)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		Key:  key,
		Doc:  zstdEncoder.EncodeAll([]byte(text), nil),
		Hash: hash,
	}, nil
}

// Text decompresses the snapshot and verifies it against Hash.
func (c Checkpoint) Text() (string, error) {
	raw, err := zstdDecoder.DecodeAll(c.Doc, nil)
	if err != nil {
		return "", fmt.Errorf("checkpoint %d: zstd decompress: %w", c.Key, err)
	}
	text := string(raw)
	if err := c.Verify(text); err != nil {
		return "", err
	}
	return text, nil
}

// Verify checks that text is the document this checkpoint was taken of.
func (c Checkpoint) Verify(text string) error {
	want, err := CheckpointHash(c.Key, text)
	if err != nil {
		return err
	}
	if want != c.Hash {
		return fmt.Errorf("checkpoint %d: %w", c.Key, ErrCheckpointMismatch)
	}
	return nil
}

// CheckpointHash computes the content hash of a document at key.
// Format: SHA256(domain + 0x00 + canonical({"key","text"})).
func CheckpointHash(key int64, text string) (string, error) {
	data, err := MarshalCanonical(map[string]any{
		"key":  key,
		"text": text,
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint hash: %w", err)
	}
	return hashWithDomain(DomainCheckpoint, data), nil
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
