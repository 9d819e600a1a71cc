package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sarpel/audio-receiver-xiao/internal/config"
	"github.com/sarpel/audio-receiver-xiao/internal/metrics"
	"github.com/sarpel/audio-receiver-xiao/internal/notify"
	"github.com/sarpel/audio-receiver-xiao/internal/segment"
	"github.com/sarpel/audio-receiver-xiao/internal/wav"
)

// Scheduler receives the paths of closed segments for deferred
// post-processing. Schedule must not block.
type Scheduler interface {
	Schedule(path string)
}

// Server owns the listening socket and the one active sender connection.
type Server struct {
	serverCfg  config.ServerConfig
	format     wav.Format
	chunkSize  int
	targetSize int64

	store     *segment.Store
	scheduler Scheduler
	notifier  *notify.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Segment filenames come from the wall clock; tests substitute their own.
	now func() time.Time

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Shutdown must be able to unblock a read in progress
	connMu     sync.Mutex
	activeConn net.Conn

	// Statistics
	mu                sync.RWMutex
	chunksReceived    uint64
	bytesReceived     uint64
	segmentsCompleted uint64
	segmentsTruncated uint64
}

// NewServer creates the ingestion server. targetSize is the payload size of
// one full segment.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store *segment.Store, scheduler Scheduler, notifier *notify.Publisher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		serverCfg: cfg.Server,
		format: wav.Format{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			BitsPerSample: cfg.Audio.BitDepth,
		},
		chunkSize:  cfg.Audio.ChunkSize,
		targetSize: cfg.SegmentTargetBytes(),
		store:      store,
		scheduler:  scheduler,
		notifier:   notifier,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the listening port and begins accepting sender connections.
// Failing to bind is an unrecoverable startup condition.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.serverCfg.BindAddress, s.serverCfg.TCPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("Audio receiver listening",
		slog.String("address", listener.Addr().String()),
		slog.Int("chunk_size", s.chunkSize),
		slog.Int64("segment_target_bytes", s.targetSize),
		slog.Duration("idle_timeout", s.serverCfg.GetIdleTimeout()),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and the active connection, then waits for the
// serving goroutine to finish. Any segment open at that moment is closed
// truncated, exactly as on idle timeout.
func (s *Server) Stop() error {
	s.logger.Info("Stopping ingestion server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	s.connMu.Lock()
	if s.activeConn != nil {
		s.activeConn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("Ingestion server stopped",
		slog.Uint64("chunks_received", stats.ChunksReceived),
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("segments_completed", stats.SegmentsCompleted),
		slog.Uint64("segments_truncated", stats.SegmentsTruncated),
	)

	return nil
}

// acceptLoop accepts and services one sender connection at a time. Unexpected
// accept faults are logged and retried after a fixed delay; the loop never
// terminates the process.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.logger.Info("Waiting for sender connection...")

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			s.metrics.RecordAcceptError()
			s.logger.Error("Accept failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("retry_delay", s.serverCfg.GetAcceptRetryDelay()),
			)

			select {
			case <-time.After(s.serverCfg.GetAcceptRetryDelay()):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		s.serveConn(conn)
	}
}

// serveConn runs the receive loop for one connection. It is the single owner
// of all segment state: no other goroutine touches the writer.
func (s *Server) serveConn(conn net.Conn) {
	s.connMu.Lock()
	s.activeConn = conn
	s.connMu.Unlock()

	defer func() {
		conn.Close()
		s.connMu.Lock()
		s.activeConn = nil
		s.connMu.Unlock()
		s.metrics.RecordConnectionClosed()
		s.logger.Info("Connection closed", slog.String("remote_addr", conn.RemoteAddr().String()))
	}()

	s.metrics.RecordConnectionAccepted()
	s.logger.Info("Sender connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	// Low-latency socket policy matching the sender firmware: no send
	// coalescing, receive buffer sized for a few chunks in flight.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			s.logger.Warn("Failed to set TCP_NODELAY", slog.String("error", err.Error()))
		}
		if err := tcpConn.SetReadBuffer(s.serverCfg.RecvBufferSize); err != nil {
			s.logger.Warn("Failed to set receive buffer size",
				slog.Int("recv_buffer_size", s.serverCfg.RecvBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	// The segment is opened lazily on the first received byte, so an idle
	// connection leaves no header-only files behind and the number of
	// segments for L received bytes is exactly ceil(L / target).
	var writer *segment.Writer

	// Unconditional on every exit path: no partial segment is held open
	// waiting for reconnection.
	defer func() {
		if writer != nil {
			s.closeSegment(writer)
		}
	}()

	chunk := make([]byte, s.chunkSize)

	for {
		// The transport does not deliver chunks atomically: accumulate until
		// a full chunk or the connection ends. A short read followed by an
		// error still carries received bytes that must not be dropped.
		n, err := s.readChunk(conn, chunk)

		if n > 0 {
			if writer == nil {
				w, openErr := s.openSegment()
				if openErr != nil {
					// Storage faults have no durable recovery path: abort the
					// session as if the transport had failed.
					s.logger.Error("Failed to open segment, aborting session",
						slog.String("error", openErr.Error()),
					)
					return
				}
				writer = w
			}

			if appendErr := writer.Append(chunk[:n]); appendErr != nil {
				s.logger.Error("Failed to write chunk, aborting session",
					slog.String("path", writer.Path()),
					slog.String("error", appendErr.Error()),
				)
				return
			}

			if n == s.chunkSize {
				s.metrics.RecordChunk(n)
			} else {
				s.metrics.RecordPartialChunk(n)
			}

			s.mu.Lock()
			if n == s.chunkSize {
				s.chunksReceived++
			}
			s.bytesReceived += uint64(n)
			s.mu.Unlock()

			if writer.Full() {
				s.closeSegment(writer)
				writer = nil
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Connection closed by sender")
			case isTimeout(err):
				s.metrics.RecordIdleTimeout()
				s.logger.Warn("Idle timeout, treating link as dead",
					slog.Duration("idle_timeout", s.serverCfg.GetIdleTimeout()),
				)
			case errors.Is(err, io.ErrUnexpectedEOF):
				s.logger.Warn("Connection closed mid-chunk")
			default:
				s.logger.Error("Read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// readChunk accumulates one chunk, re-arming the idle deadline before every
// read: the idle clock measures silence, so any arriving bytes reset it even
// when the transport delivers a chunk in fragments.
func (s *Server) readChunk(conn net.Conn, chunk []byte) (int, error) {
	filled := 0
	for filled < len(chunk) {
		if err := conn.SetReadDeadline(time.Now().Add(s.serverCfg.GetIdleTimeout())); err != nil {
			return filled, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, err := conn.Read(chunk[filled:])
		filled += n
		if err != nil {
			if filled > 0 && errors.Is(err, io.EOF) {
				return filled, io.ErrUnexpectedEOF
			}
			return filled, err
		}
	}
	return filled, nil
}

// openSegment creates the next segment file, named from the wall clock at
// creation.
func (s *Server) openSegment() (*segment.Writer, error) {
	path := s.store.SegmentPath(s.now())

	writer, err := segment.Create(path, s.format, s.targetSize)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Starting new segment",
		slog.String("path", path),
		slog.Int64("target_bytes", s.targetSize),
	)

	return writer, nil
}

// closeSegment releases the file and hands ownership of the path to the
// scheduler. Every close is scheduled, full or truncated; the dispatcher's
// size gate decides whether a truncated segment is worth compressing.
func (s *Server) closeSegment(writer *segment.Writer) {
	completed := writer.Full()

	if err := writer.Close(); err != nil {
		s.logger.Error("Failed to close segment",
			slog.String("path", writer.Path()),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	if completed {
		s.segmentsCompleted++
	} else {
		s.segmentsTruncated++
	}
	s.mu.Unlock()

	s.metrics.RecordSegmentClosed(writer.Written(), completed)

	if completed {
		s.logger.Info("Segment complete",
			slog.String("path", writer.Path()),
			slog.Int64("bytes", writer.Written()),
		)
	} else {
		// The header keeps the size declared at creation; it now overstates
		// the actual payload.
		s.logger.Info("Segment closed early",
			slog.String("path", writer.Path()),
			slog.Int64("bytes_written", writer.Written()),
			slog.Int64("declared_bytes", writer.TargetSize()),
		)
	}

	s.notifier.SegmentClosed(notify.SegmentEvent{
		Path:         writer.Path(),
		BytesWritten: writer.Written(),
		TargetBytes:  writer.TargetSize(),
		Completed:    completed,
		ClosedAt:     time.Now(),
	})

	s.scheduler.Schedule(writer.Path())
}

// GetStatistics returns current ingestion statistics
func (s *Server) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Statistics{
		ChunksReceived:    s.chunksReceived,
		BytesReceived:     s.bytesReceived,
		SegmentsCompleted: s.segmentsCompleted,
		SegmentsTruncated: s.segmentsTruncated,
	}
}

// Statistics represents ingestion counters for monitoring
type Statistics struct {
	ChunksReceived    uint64 `json:"chunks_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	SegmentsCompleted uint64 `json:"segments_completed"`
	SegmentsTruncated uint64 `json:"segments_truncated"`
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
