package job

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// CompressBacktrace serializes frames to JSON, deflates with the default
// zlib level, and base64-encodes the result, matching the envelope's
// error_backtrace wire format. No third-party library in use elsewhere in
// this codebase performs deflate+base64 framing; this is a narrow,
// wire-mandated transform best expressed with the standard library.
func CompressBacktrace(frames []string) (string, error) {
	if frames == nil {
		frames = []string{}
	}

	raw, err := json.Marshal(frames)
	if err != nil {
		return "", fmt.Errorf("job: failed to marshal backtrace: %w", err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("job: failed to deflate backtrace: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("job: failed to close backtrace deflate stream: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressBacktrace reverses CompressBacktrace exactly.
func DecompressBacktrace(encoded string) ([]string, error) {
	if encoded == "" {
		return nil, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("job: failed to base64-decode backtrace: %w", err)
	}

	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("job: failed to open backtrace deflate stream: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("job: failed to inflate backtrace: %w", err)
	}

	var frames []string
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("job: failed to unmarshal backtrace: %w", err)
	}
	return frames, nil
}

// CapFrames truncates a backtrace to at most n frames, from the top.
func CapFrames(frames []string, n int) []string {
	if n <= 0 || n >= len(frames) {
		return frames
	}
	return frames[:n]
}
