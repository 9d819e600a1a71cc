package ingest

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sarpel/audio-receiver-xiao/internal/config"
	"github.com/sarpel/audio-receiver-xiao/internal/metrics"
	"github.com/sarpel/audio-receiver-xiao/internal/segment"
	"github.com/sarpel/audio-receiver-xiao/internal/wav"
)

// One shared registry per test binary; promauto panics on re-registration.
var testMetrics = metrics.NewMetrics()

type fakeScheduler struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeScheduler) Schedule(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

func (f *fakeScheduler) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// newTestServer starts a server on an ephemeral port with a 4000-byte chunk,
// a 16000-byte segment target and a 1-second idle timeout.
func newTestServer(t *testing.T) (*Server, *fakeScheduler, string) {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{
			TCPPort:          0, // ephemeral
			BindAddress:      "127.0.0.1",
			RecvBufferSize:   65536,
			IdleTimeout:      1,
			AcceptRetryDelay: 1,
		},
		Audio: config.AudioConfig{
			SampleRate: 8000,
			Channels:   1,
			BitDepth:   16,
			ChunkSize:  4000,
		},
		Storage: config.StorageConfig{
			DataDir:         dataDir,
			SegmentDuration: 1, // 8000 Hz x 2 bytes x 1 s = 16000 bytes per segment
		},
	}

	store, err := segment.NewStore(dataDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	scheduler := &fakeScheduler{}
	srv := NewServer(cfg, slog.Default(), testMetrics, store, scheduler, nil)

	// Advance the clock one minute per segment so rollover within a test never
	// collides on the minute-resolution filename.
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	minute := 0
	srv.now = func() time.Time {
		minute++
		return base.Add(time.Duration(minute-1) * time.Minute)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, scheduler, dataDir
}

func dialSender(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	return conn
}

// pattern produces deterministic payload bytes so contiguity across segment
// boundaries can be verified.
func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func archiveFiles(t *testing.T, root string) []string {
	t.Helper()

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to walk archive: %v", err)
	}
	return files
}

func TestSingleCompleteSegment(t *testing.T) {
	srv, scheduler, dataDir := newTestServer(t)

	payload := pattern(16000)
	conn := dialSender(t, srv)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}
	conn.Close()

	waitFor(t, func() bool { return srv.GetStatistics().SegmentsCompleted == 1 },
		"Timed out waiting for segment completion")

	stats := srv.GetStatistics()
	if stats.ChunksReceived != 4 {
		t.Errorf("Expected 4 chunks, got %d", stats.ChunksReceived)
	}
	if stats.BytesReceived != 16000 {
		t.Errorf("Expected 16000 bytes received, got %d", stats.BytesReceived)
	}
	if stats.SegmentsTruncated != 0 {
		t.Errorf("Expected no truncated segments, got %d", stats.SegmentsTruncated)
	}

	paths := scheduler.Paths()
	if len(paths) != 1 {
		t.Fatalf("Expected 1 scheduled compression job, got %d", len(paths))
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}

	if len(data) != wav.HeaderSize+16000 {
		t.Fatalf("Expected file size %d, got %d", wav.HeaderSize+16000, len(data))
	}

	format, declared, err := wav.DecodeHeader(data[:wav.HeaderSize])
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}
	if declared != 16000 {
		t.Errorf("Expected header to declare 16000 payload bytes, got %d", declared)
	}
	if format.SampleRate != 8000 || format.Channels != 1 || format.BitsPerSample != 16 {
		t.Errorf("Unexpected format in header: %+v", format)
	}

	if !bytes.Equal(data[wav.HeaderSize:], payload) {
		t.Error("Segment payload does not match sent bytes")
	}

	if files := archiveFiles(t, dataDir); len(files) != 1 {
		t.Errorf("Expected exactly 1 archive file, got %d: %v", len(files), files)
	}
}

func TestIdleTimeoutClosesSegmentTruncated(t *testing.T) {
	srv, scheduler, _ := newTestServer(t)

	// Half a segment, then silence past the idle timeout
	payload := pattern(8000)
	conn := dialSender(t, srv)
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}

	waitFor(t, func() bool { return srv.GetStatistics().SegmentsTruncated == 1 },
		"Timed out waiting for idle timeout to close the segment")

	paths := scheduler.Paths()
	if len(paths) != 1 {
		t.Fatalf("Expected truncated segment to be scheduled, got %d jobs", len(paths))
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}

	// The header still declares the full target; only the payload is short
	if len(data) != wav.HeaderSize+8000 {
		t.Errorf("Expected file size %d, got %d", wav.HeaderSize+8000, len(data))
	}

	_, declared, err := wav.DecodeHeader(data[:wav.HeaderSize])
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}
	if declared != 16000 {
		t.Errorf("Expected header to declare the 16000-byte target, got %d", declared)
	}
}

func TestRolloverKeepsStreamContiguous(t *testing.T) {
	srv, scheduler, dataDir := newTestServer(t)

	// One full segment plus half of the next
	payload := pattern(24000)
	conn := dialSender(t, srv)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}
	conn.Close()

	waitFor(t, func() bool {
		stats := srv.GetStatistics()
		return stats.SegmentsCompleted == 1 && stats.SegmentsTruncated == 1
	}, "Timed out waiting for both segments to close")

	paths := scheduler.Paths()
	if len(paths) != 2 {
		t.Fatalf("Expected 2 scheduled jobs, got %d", len(paths))
	}
	if paths[0] == paths[1] {
		t.Fatalf("Expected distinct segment paths, both were %s", paths[0])
	}

	first, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("Failed to read first segment: %v", err)
	}
	second, err := os.ReadFile(paths[1])
	if err != nil {
		t.Fatalf("Failed to read second segment: %v", err)
	}

	// No byte lost, duplicated, or reordered across the boundary
	if !bytes.Equal(first[wav.HeaderSize:], payload[:16000]) {
		t.Error("First segment payload does not match first 16000 sent bytes")
	}
	if !bytes.Equal(second[wav.HeaderSize:], payload[16000:]) {
		t.Error("Second segment payload does not match remaining sent bytes")
	}

	if files := archiveFiles(t, dataDir); len(files) != 2 {
		t.Errorf("Expected exactly 2 archive files, got %d: %v", len(files), files)
	}
}

func TestFragmentedChunkResetsIdleClock(t *testing.T) {
	srv, scheduler, _ := newTestServer(t)

	// One 4000-byte chunk delivered in 500-byte fragments spread over more
	// than the 1-second idle window. Every fragment arrives well inside the
	// window, so the link must stay up until the sender closes it.
	payload := pattern(4000)
	conn := dialSender(t, srv)
	for off := 0; off < len(payload); off += 500 {
		if _, err := conn.Write(payload[off : off+500]); err != nil {
			t.Fatalf("Failed to send fragment: %v", err)
		}
		time.Sleep(300 * time.Millisecond)
	}
	conn.Close()

	waitFor(t, func() bool { return srv.GetStatistics().SegmentsTruncated == 1 },
		"Timed out waiting for segment close")

	stats := srv.GetStatistics()
	if stats.ChunksReceived != 1 {
		t.Errorf("Expected the fragmented chunk to be assembled whole, got %d chunks", stats.ChunksReceived)
	}
	if stats.BytesReceived != 4000 {
		t.Errorf("Expected 4000 bytes received, got %d", stats.BytesReceived)
	}

	paths := scheduler.Paths()
	if len(paths) != 1 {
		t.Fatalf("Expected 1 scheduled job, got %d", len(paths))
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("Failed to read segment file: %v", err)
	}
	if !bytes.Equal(data[wav.HeaderSize:], payload) {
		t.Error("Segment payload does not match fragmented sent bytes")
	}
}

func TestIdleConnectionLeavesNoFiles(t *testing.T) {
	srv, scheduler, dataDir := newTestServer(t)

	// First connection sends nothing
	conn := dialSender(t, srv)
	conn.Close()

	// Second connection proves the server moved on cleanly
	conn = dialSender(t, srv)
	if _, err := conn.Write(pattern(16000)); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}
	conn.Close()

	waitFor(t, func() bool { return srv.GetStatistics().SegmentsCompleted == 1 },
		"Timed out waiting for segment completion")

	// The empty connection must not have produced a header-only file or a job
	if files := archiveFiles(t, dataDir); len(files) != 1 {
		t.Errorf("Expected exactly 1 archive file, got %d: %v", len(files), files)
	}
	if paths := scheduler.Paths(); len(paths) != 1 {
		t.Errorf("Expected exactly 1 scheduled job, got %d", len(paths))
	}
}

func TestStopClosesOpenSegment(t *testing.T) {
	srv, scheduler, _ := newTestServer(t)

	conn := dialSender(t, srv)
	defer conn.Close()
	if _, err := conn.Write(pattern(8000)); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}

	// The segment opens on first received bytes; wait until they have landed
	waitFor(t, func() bool { return srv.GetStatistics().BytesReceived >= 8000 },
		"Timed out waiting for bytes to arrive")

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stop waits for the serving goroutine, so the close is already recorded
	stats := srv.GetStatistics()
	if stats.SegmentsTruncated != 1 {
		t.Errorf("Expected shutdown to close the open segment truncated, got %d", stats.SegmentsTruncated)
	}
	if paths := scheduler.Paths(); len(paths) != 1 {
		t.Errorf("Expected the truncated segment to be scheduled, got %d jobs", len(paths))
	}
}
