package ping

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/probelab/netprobe/pkg/types"
)

// rawStrategy crafts ICMP echo requests on a raw socket. It needs
// elevated privileges but sees the reply TTL without shelling out.
type rawStrategy struct {
	id int
}

func newRawStrategy() *rawStrategy {
	return &rawStrategy{id: os.Getpid() & 0xffff}
}

func (r *rawStrategy) method() types.PingMethod {
	return types.MethodRawSocket
}

func (r *rawStrategy) probe(ctx context.Context, ip string, seq, packetSize int, timeout time.Duration) (probeOutcome, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		if isPermissionDenied(err) {
			return probeOutcome{}, fmt.Errorf("%v: %w", err, errUnavailable)
		}
		return probeOutcome{}, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	// The payload fills the packet up to the requested size; the echo
	// header itself is 8 bytes.
	dataSize := packetSize - 8
	if dataSize < 0 {
		dataSize = 0
	}
	payload := make([]byte, dataSize)
	copy(payload, "netprobe")

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   r.id,
			Seq:  seq,
			Data: payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return probeOutcome{}, fmt.Errorf("marshal echo request: %w", err)
	}

	// The TTL of the reply datagram arrives as a control message
	pc := conn.IPv4PacketConn()
	if pc != nil {
		_ = pc.SetControlMessage(ipv4.FlagTTL, true)
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return probeOutcome{}, fmt.Errorf("set deadline: %w", err)
	}

	dst := &net.IPAddr{IP: net.ParseIP(ip)}
	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return probeOutcome{}, fmt.Errorf("send echo request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		var (
			n   int
			ttl *int
		)
		if pc != nil {
			readN, cm, _, readErr := pc.ReadFrom(buf)
			if readErr != nil {
				if isTimeoutErr(readErr) {
					return probeOutcome{}, errProbeTimeout
				}
				return probeOutcome{}, readErr
			}
			n = readN
			if cm != nil && cm.TTL > 0 {
				ttl = types.IntPtr(cm.TTL)
			}
		} else {
			readN, _, readErr := conn.ReadFrom(buf)
			if readErr != nil {
				if isTimeoutErr(readErr) {
					return probeOutcome{}, errProbeTimeout
				}
				return probeOutcome{}, readErr
			}
			n = readN
		}

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			if reply.Type == ipv4.ICMPTypeDestinationUnreachable {
				return probeOutcome{}, fmt.Errorf("destination unreachable")
			}
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != r.id || echo.Seq != seq {
			// A reply for some other pinger on this host
			continue
		}

		rtt := float64(time.Since(start).Microseconds()) / 1000.0
		return probeOutcome{rtt: rtt, ttl: ttl}, nil
	}
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
