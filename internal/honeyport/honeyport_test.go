package honeyport

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/threat"
)

func setupServer(t *testing.T) (*Server, *threat.Detector) {
	t.Helper()

	detector, err := threat.New(threat.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Ports = []int{0} // ephemeral
	cfg.Banner = "SSH-2.0-test\r\n"

	srv := New(cfg, detector, metrics.New(), zerolog.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, detector
}

func TestHoneyport_BannerThenClose(t *testing.T) {
	srv, _ := setupServer(t)
	addr := srv.Addrs()[0].String()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read banner: %v", err)
	}
	if line != "SSH-2.0-test\r\n" {
		t.Errorf("Unexpected banner: %q", line)
	}

	// The server closes without reading anything further.
	if _, err := reader.ReadByte(); err != io.EOF {
		t.Errorf("Expected EOF after banner, got %v", err)
	}
}

func TestHoneyport_ConnectionsRaiseThreatScore(t *testing.T) {
	srv, detector := setupServer(t)
	addr := srv.Addrs()[0].String()

	before := detector.Score()
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			t.Fatalf("Dial %d failed: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		io.ReadAll(conn)
		conn.Close()
	}

	// Accumulation happens on the accept path; the reads above complete
	// only after the handler has already reported.
	deadline := time.Now().Add(2 * time.Second)
	for detector.Score() <= before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if detector.Score() <= before {
		t.Errorf("Score did not rise after honeyport hits: %d", detector.Score())
	}
}

func TestHoneyport_StopUnbinds(t *testing.T) {
	srv, _ := setupServer(t)
	addr := srv.Addrs()[0].String()
	srv.Stop()

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("Expected dial to fail after Stop")
	}
}
