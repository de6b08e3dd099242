package bridge

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// dialEndpoint opens the transport to a freshly announced worker endpoint.
// The worker prints its port marker just before accepting connections, so the
// first few dials can land in that window; retries are bounded to absorb it.
func dialEndpoint(log *zap.SugaredLogger, port int, retries int, interval time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			log.Debugw("connected to worker", "Addr", addr, "Attempt", attempt+1)
			return conn, nil
		}
		lastErr = err
		log.Debugw("dial failed", "Addr", addr, "Attempt", attempt+1, "Error", err)
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrConnectionTimeout, addr, lastErr)
}
