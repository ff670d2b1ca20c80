package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrMismatch is returned when an artifact was written for a different model kind,
	// schema or feature layout than the reader expects
	ErrMismatch = errors.New("artifact version mismatch")
	// ErrCorrupt is returned when the payload checksum does not match
	ErrCorrupt = errors.New("artifact checksum mismatch")
)

// Header identifies what an artifact contains
type Header struct {
	Kind           string            `json:"kind"`
	SchemaVersion  int               `json:"schema_version"`
	FeatureVersion string            `json:"feature_version"`
	CreatedAt      time.Time         `json:"created_at"`
	Checksum       string            `json:"checksum"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Expect is what a reader requires of an artifact header
type Expect struct {
	Kind           string
	SchemaVersion  int
	FeatureVersion string
}

type envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Encode writes a zstd-compressed envelope holding header and payload to w
func Encode(w io.Writer, h Header, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	h.Checksum = checksum(body)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(envelope{Header: h, Payload: body})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := zstdWriter.Write(data); err != nil {
		zstdWriter.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	return nil
}

// Decode reads an envelope from r, checks it against want and decodes the payload into out
func Decode(r io.Reader, want Expect, out interface{}) (Header, error) {
	zstdReader, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	data, err := io.ReadAll(zstdReader)
	if err != nil {
		return Header{}, fmt.Errorf("failed to decompress artifact: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Header{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	h := env.Header
	if h.Kind != want.Kind || h.SchemaVersion != want.SchemaVersion || h.FeatureVersion != want.FeatureVersion {
		return h, fmt.Errorf("%w: have %s/v%d/%s, want %s/v%d/%s", ErrMismatch,
			h.Kind, h.SchemaVersion, h.FeatureVersion, want.Kind, want.SchemaVersion, want.FeatureVersion)
	}
	if checksum(env.Payload) != h.Checksum {
		return h, ErrCorrupt
	}

	if err := json.Unmarshal(env.Payload, out); err != nil {
		return h, fmt.Errorf("failed to decode payload: %w", err)
	}
	return h, nil
}

// Save writes the artifact to path, replacing any previous file atomically
func Save(path string, h Header, payload interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, h, payload); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Load reads the artifact at path
func Load(path string, want Expect, out interface{}) (Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	return Decode(file, want, out)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
