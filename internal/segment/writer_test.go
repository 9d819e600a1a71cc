package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sarpel/audio-receiver-xiao/internal/wav"
)

var testFormat = wav.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func TestWriterCreateWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2025-01-02", "2025-01-02_1015.wav")
	targetSize := int64(1024)

	w, err := Create(path, testFormat, targetSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}

	if len(data) != wav.HeaderSize {
		t.Errorf("Expected header-only file of %d bytes, got %d", wav.HeaderSize, len(data))
	}

	format, declared, err := wav.DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}

	if format != testFormat {
		t.Errorf("Expected format %+v, got %+v", testFormat, format)
	}

	// Header declares the target size up front, not the bytes written
	if declared != uint32(targetSize) {
		t.Errorf("Expected declared payload size %d, got %d", targetSize, declared)
	}
}

func TestWriterAppendAndFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.wav")
	chunk := bytes.Repeat([]byte{0xAB}, 64)

	w, err := Create(path, testFormat, 128)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if w.Full() {
		t.Error("New writer should not be full")
	}

	if err := w.Append(chunk); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if w.Full() {
		t.Error("Writer should not be full at half target")
	}

	if err := w.Append(chunk); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !w.Full() {
		t.Error("Writer should be full at target size")
	}

	if w.Written() != 128 {
		t.Errorf("Expected 128 bytes written, got %d", w.Written())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}

	if len(data) != wav.HeaderSize+128 {
		t.Errorf("Expected file size %d, got %d", wav.HeaderSize+128, len(data))
	}

	if !bytes.Equal(data[wav.HeaderSize:], bytes.Repeat([]byte{0xAB}, 128)) {
		t.Error("Payload bytes do not match appended chunks")
	}
}

func TestWriterHeaderNotRewrittenOnEarlyClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.wav")

	w, err := Create(path, testFormat, 1000)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := w.Append(make([]byte, 100)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}

	_, declared, err := wav.DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}

	// Declared size is a commitment made at creation; early close leaves it
	// overstating the actual payload.
	if declared != 1000 {
		t.Errorf("Expected declared size 1000 after early close, got %d", declared)
	}

	if len(data) != wav.HeaderSize+100 {
		t.Errorf("Expected actual file size %d, got %d", wav.HeaderSize+100, len(data))
	}
}

func TestWriterCreateInvalidTargetSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.wav")
	if _, err := Create(path, testFormat, 0); err == nil {
		t.Error("Expected error for zero target size")
	}
}

func TestWriterCreateRejectsOversizedTarget(t *testing.T) {
	// 192 kHz stereo 24-bit for 4000 s is 4,608,000,000 payload bytes, which
	// does not fit the header's uint32 size fields. Creating such a segment
	// must fail up front instead of committing a wrapped declared size.
	hires := wav.Format{SampleRate: 192000, Channels: 2, BitsPerSample: 24}

	if _, err := Create(filepath.Join(t.TempDir(), "seg.wav"), hires, 4608000000); err == nil {
		t.Error("Expected error for target size above the WAV container limit")
	}
}

func TestWriterCreateBadPath(t *testing.T) {
	dir := t.TempDir()

	// A file where a parent directory is expected makes MkdirAll fail
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to create blocker file: %v", err)
	}

	if _, err := Create(filepath.Join(blocker, "sub", "seg.wav"), testFormat, 100); err == nil {
		t.Error("Expected error when parent directory cannot be created")
	}
}

func TestStoreSegmentPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
	got := store.SegmentPath(ts)
	want := filepath.Join(store.Root(), "2025-03-14", "2025-03-14_0926.wav")

	if got != want {
		t.Errorf("Expected path %s, got %s", want, got)
	}
}

func TestStoreDatesAndFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	mustWrite := func(parts ...string) {
		path := filepath.Join(append([]string{root}, parts...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	mustWrite("2025-03-14", "2025-03-14_0900.wav")
	mustWrite("2025-03-14", "2025-03-14_0910.flac")
	mustWrite("2025-03-14", "notes.txt") // unrecognized extension, ignored
	mustWrite("2025-03-15", "2025-03-15_1200.opus")

	if err := os.MkdirAll(filepath.Join(root, "not-a-date"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	dates, err := store.Dates()
	if err != nil {
		t.Fatalf("Dates failed: %v", err)
	}

	if len(dates) != 2 || dates[0] != "2025-03-15" || dates[1] != "2025-03-14" {
		t.Errorf("Expected [2025-03-15 2025-03-14], got %v", dates)
	}

	files, err := store.Files("2025-03-14")
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("Expected 2 recognized files, got %d", len(files))
	}

	if files[0].Name != "2025-03-14_0900.wav" || files[1].Name != "2025-03-14_0910.flac" {
		t.Errorf("Unexpected file listing order: %v", files)
	}

	// Missing date directory is not an error
	empty, err := store.Files("2024-01-01")
	if err != nil {
		t.Fatalf("Files for missing date failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty listing for missing date, got %v", empty)
	}
}

func TestStoreResolve(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	tests := []struct {
		name        string
		date        string
		file        string
		expectError bool
	}{
		{"valid wav", "2025-03-14", "2025-03-14_0900.wav", false},
		{"valid opus", "2025-03-14", "2025-03-14_0900.opus", false},
		{"bad date", "march-14", "2025-03-14_0900.wav", true},
		{"path traversal", "2025-03-14", "../../etc/passwd", true},
		{"hidden file", "2025-03-14", ".hidden.wav", true},
		{"unknown extension", "2025-03-14", "segment.mp3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := store.Resolve(tt.date, tt.file)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error, got path %s", path)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			want := filepath.Join(store.Root(), tt.date, tt.file)
			if path != want {
				t.Errorf("Expected path %s, got %s", want, path)
			}
		})
	}
}
