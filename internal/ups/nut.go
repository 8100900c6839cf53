package ups

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// NUTSource reads ups.status from a Network UPS Tools daemon over its
// line protocol ("GET VAR <ups> ups.status").
type NUTSource struct {
	Addr    string // host:port, upsd default is 3493
	UPSName string
	Timeout time.Duration
}

// NewNUTSource creates a source for one UPS on a upsd instance.
func NewNUTSource(addr, upsName string) *NUTSource {
	return &NUTSource{Addr: addr, UPSName: upsName, Timeout: 5 * time.Second}
}

// Status dials upsd and fetches the current status token set. Each poll
// uses a fresh connection; upsd handles that fine and it keeps the
// source stateless.
func (s *NUTSource) Status(ctx context.Context) (string, error) {
	d := net.Dialer{Timeout: s.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return "", fmt.Errorf("dial upsd %s: %w", s.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.Timeout))
	}

	if _, err := fmt.Fprintf(conn, "GET VAR %s ups.status\n", s.UPSName); err != nil {
		return "", fmt.Errorf("write to upsd: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read from upsd: %w", err)
	}
	line = strings.TrimSpace(line)

	// Expected: VAR <ups> ups.status "OL CHRG"
	if strings.HasPrefix(line, "ERR ") {
		return "", fmt.Errorf("upsd error: %s", strings.TrimPrefix(line, "ERR "))
	}
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	if start < 0 || end <= start {
		return "", fmt.Errorf("unexpected upsd reply %q", line)
	}
	return line[start+1 : end], nil
}
