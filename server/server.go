package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio-sobreiro/dicomrelay/dimse"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/metrics"
	"github.com/caio-sobreiro/dicomrelay/pdu"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout bounds the wait for each PDU from a peer.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout bounds each write to a peer.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithCapabilities sets the presentation contexts the server accepts.
func WithCapabilities(c pdu.Capabilities) Option {
	return func(s *Server) {
		s.Capabilities = &c
	}
}

// WithAssociationListener observes association establishment and teardown.
func WithAssociationListener(listener interfaces.AssociationListener) Option {
	return func(s *Server) {
		s.Listener = listener
	}
}

// WithMaxPDULength sets the maximum PDU length announced to peers.
func WithMaxPDULength(n uint32) Option {
	return func(s *Server) {
		s.MaxPDULength = n
	}
}

// WithAdmission limits new associations per calling AE title to rps with the given burst.
func WithAdmission(rps float64, burst int) Option {
	return func(s *Server) {
		s.admission = newAdmission(rps, burst, 0)
	}
}

// WithMetrics records admission rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server exposes a reusable DICOM listener that wires the DIMSE and PDU layers.
type Server struct {
	AETitle      string
	Handler      interfaces.ServiceHandler
	Listener     interfaces.AssociationListener
	Capabilities *pdu.Capabilities
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPDULength uint32

	admission *admission
	metrics   *metrics.Metrics
	serial    atomic.Uint32
}

// New builds a Server with the provided AE title and handler.
func New(aeTitle string, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, handler interfaces.ServiceHandler, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, handler, opts...)
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
// Every accepted connection runs on its own goroutine; Serve waits for them before returning.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

// NextSerial returns the serial number for the next association, unique for the server's lifetime.
func (s *Server) NextSerial() uint32 {
	return s.serial.Add(1)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	if s.WriteTimeout > 0 {
		conn = &deadlineConn{Conn: conn, writeTimeout: s.WriteTimeout}
	}

	serial := s.NextSerial()
	opts := []pdu.Option{pdu.WithSerial(serial)}
	if s.Capabilities != nil {
		opts = append(opts, pdu.WithCapabilities(*s.Capabilities))
	}
	if s.MaxPDULength > 0 {
		opts = append(opts, pdu.WithMaxPDULength(s.MaxPDULength))
	}
	if s.ReadTimeout > 0 {
		opts = append(opts, pdu.WithReadTimeout(s.ReadTimeout))
	}
	if listener := s.associationListener(logger); listener != nil {
		opts = append(opts, pdu.WithListener(listener))
	}

	layer := pdu.NewLayer(conn, dimse.NewService(s.Handler, logger), s.AETitle, logger, opts...)

	if err := layer.HandleConnection(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("DIMSE connection ended",
			"error", err,
			"serial", serial,
			"remote_addr", conn.RemoteAddr())
	} else {
		logger.Info("DIMSE connection closed",
			"serial", serial,
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) associationListener(logger *slog.Logger) interfaces.AssociationListener {
	if s.admission == nil {
		return s.Listener
	}
	return &admissionListener{admission: s.admission, next: s.Listener, logger: logger, metrics: s.metrics}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// deadlineConn refreshes the write deadline before every write.
type deadlineConn struct {
	net.Conn
	writeTimeout time.Duration
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
