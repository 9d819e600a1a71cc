package segment

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sarpel/audio-receiver-xiao/internal/wav"
)

// Writer owns a single open segment file. The WAV header is written once at
// creation with the declared target size; it is never rewritten, so a segment
// closed early keeps a header that overstates its actual payload. The writer
// has a single owner and is not safe for concurrent use.
type Writer struct {
	path       string
	file       *os.File
	buf        *bufio.Writer
	targetSize int64
	written    int64
}

// Create opens a new segment file at path, creating parent directories as
// needed, and immediately writes the WAV header declaring targetSize payload
// bytes.
func Create(path string, format wav.Format, targetSize int64) (*Writer, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}

	// The declared size travels through a uint32 header field; a larger
	// target would silently wrap into a header that lies about the payload.
	if targetSize > wav.MaxPayloadSize {
		return nil, fmt.Errorf("target size %d exceeds the WAV container limit of %d bytes", targetSize, int64(wav.MaxPayloadSize))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory for %s: %w", path, err)
	}

	header, err := wav.EncodeHeader(format, uint32(targetSize))
	if err != nil {
		return nil, fmt.Errorf("failed to encode header for %s: %w", path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	buf := bufio.NewWriter(file)
	if _, err := buf.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
	}

	return &Writer{
		path:       path,
		file:       file,
		buf:        buf,
		targetSize: targetSize,
	}, nil
}

// Append writes payload bytes verbatim behind the header and advances the
// bytes-written counter. Bytes arriving at the target boundary are written in
// full; Full reports when rollover is due.
func (w *Writer) Append(data []byte) error {
	n, err := w.buf.Write(data)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append %d bytes to %s: %w", len(data), w.path, err)
	}
	return nil
}

// Full reports whether the segment has reached its declared target size.
func (w *Writer) Full() bool {
	return w.written >= w.targetSize
}

// Written returns the number of payload bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// TargetSize returns the declared payload size committed in the header.
func (w *Writer) TargetSize() int64 {
	return w.targetSize
}

// Path returns the segment file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes buffered payload and releases the file handle. The header is
// left as declared at creation time.
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()

	if flushErr != nil {
		return fmt.Errorf("failed to flush segment %s: %w", w.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close segment %s: %w", w.path, closeErr)
	}
	return nil
}
