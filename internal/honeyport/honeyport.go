// Package honeyport runs bait TCP listeners. A connection to one of
// these ports is unambiguous reconnaissance: nothing legitimate ever
// dials them, so every accept feeds the threat detector.
package honeyport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/threat"
)

// Config holds honeyport configuration.
type Config struct {
	// Ports to listen on. Port 0 binds an ephemeral port (tests).
	Ports []int `yaml:"ports" validate:"dive,min=0,max=65535"`

	// Banner is written to every connection before it is closed.
	Banner string `yaml:"banner"`

	// WriteTimeout bounds the banner write.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=100ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ports:        []int{2222, 3306, 6379},
		Banner:       "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6\r\n",
		WriteTimeout: 3 * time.Second,
	}
}

// Server owns one listener goroutine per configured port.
type Server struct {
	cfg       Config
	detector  *threat.Detector
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New creates a honeyport server.
func New(cfg Config, detector *threat.Detector, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		detector: detector,
		metrics:  m,
		logger:   logger.With().Str("component", "honeyport").Logger(),
	}
}

// Start binds every configured port and begins accepting. Binding
// failures are fatal: a honeyport that silently is not listening is a
// deception gap.
func (s *Server) Start(ctx context.Context) error {
	for _, port := range s.cfg.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to bind honeyport %d: %w", port, err)
		}
		s.listeners = append(s.listeners, ln)

		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Honeyport listening")

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}
	return nil
}

// Stop closes all listeners and waits for accept loops to drain.
func (s *Server) Stop() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wg.Wait()
	s.listeners = nil
}

// Addrs returns the bound addresses, resolving ephemeral ports.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	port := 0
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closed listener means shutdown.
			return
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		s.handle(conn, port)
	}
}

// handle writes the banner and closes. The connection is never read:
// honeyports record the knock, nothing more.
func (s *Server) handle(conn net.Conn, port int) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Warn().
		Int("port", port).
		Str("remote", remote).
		Time("at", time.Now()).
		Msg("Honeyport connection")

	s.detector.ReportConnection(port, remote)
	s.metrics.HoneyportConnection(strconv.Itoa(port))

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write([]byte(s.cfg.Banner)); err != nil {
		s.logger.Debug().Err(err).Msg("Banner write failed")
	}
}
