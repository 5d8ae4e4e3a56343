package scanner

import (
	"net"
	"strings"
	"time"
)

const (
	// bannerLimit caps how much a service can push into a result
	bannerLimit = 1024

	bannerTimeout = 2 * time.Second
)

// grabBanner reads whatever the service volunteers on connect, up to
// bannerLimit bytes. Services that wait for the client first simply time
// out and yield an empty banner.
func grabBanner(conn net.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(bannerTimeout))

	buf := make([]byte, bannerLimit)
	n, err := conn.Read(buf)
	if n <= 0 || (err != nil && n == 0) {
		return ""
	}

	banner := strings.ToValidUTF8(string(buf[:n]), "")
	return strings.TrimSpace(banner)
}
