package ping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestParsePingOutputLinux(t *testing.T) {
	output := `PING 127.0.0.1 (127.0.0.1) 56(84) bytes of data.
64 bytes from 127.0.0.1: icmp_seq=1 ttl=64 time=0.045 ms

--- 127.0.0.1 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
rtt min/avg/max/mdev = 0.045/0.045/0.045/0.000 ms`

	parsed, ok := parsePingOutput(output)
	require.True(t, ok)
	assert.InDelta(t, 0.045, parsed.rtt, 0.0001)
	require.NotNil(t, parsed.ttl)
	assert.Equal(t, 64, *parsed.ttl)
}

func TestParsePingOutputWindowsEnglish(t *testing.T) {
	output := `Pinging 8.8.8.8 with 32 bytes of data:
Reply from 8.8.8.8: bytes=32 time=14ms TTL=117

Ping statistics for 8.8.8.8:
    Packets: Sent = 1, Received = 1, Lost = 0 (0% loss)`

	parsed, ok := parsePingOutput(output)
	require.True(t, ok)
	assert.InDelta(t, 14.0, parsed.rtt, 0.0001)
	require.NotNil(t, parsed.ttl)
	assert.Equal(t, 117, *parsed.ttl)
}

func TestParsePingOutputLocalizedGBK(t *testing.T) {
	// A localized Windows ping writes the local code page, not UTF-8
	localized := "来自 8.8.8.8 的回复: 字节=32 时间=12ms TTL=57"
	raw, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(localized))
	require.NoError(t, err)

	decoded := decodePingOutput(raw)
	parsed, ok := parsePingOutput(decoded)
	require.True(t, ok)
	assert.InDelta(t, 12.0, parsed.rtt, 0.0001)
	require.NotNil(t, parsed.ttl)
	assert.Equal(t, 57, *parsed.ttl)
}

func TestParsePingOutputNoReply(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name: "linux total loss",
			output: `PING 10.255.255.1 (10.255.255.1) 56(84) bytes of data.

--- 10.255.255.1 ping statistics ---
1 packets transmitted, 0 received, 100% packet loss, time 0ms`,
		},
		{
			name:   "windows timeout",
			output: "Request timed out.",
		},
		{
			name:   "empty",
			output: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parsePingOutput(tt.output)
			assert.False(t, ok)
		})
	}
}

func TestOutputMarkers(t *testing.T) {
	assert.True(t, outputIndicatesTimeout("1 packets transmitted, 0 received, 100% packet loss"))
	assert.True(t, outputIndicatesTimeout("Request timed out."))
	assert.True(t, outputIndicatesUnreachable("From 192.168.1.1 icmp_seq=1 Destination Host Unreachable"))
	assert.False(t, outputIndicatesTimeout("64 bytes from 127.0.0.1: icmp_seq=1 ttl=64 time=0.1 ms"))
}

func TestDecodePingOutputPassthrough(t *testing.T) {
	plain := []byte("64 bytes from 127.0.0.1: icmp_seq=1 ttl=64 time=0.1 ms")
	assert.Equal(t, string(plain), decodePingOutput(plain))
}
