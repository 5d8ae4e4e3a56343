package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netprobe/pkg/types"
)

func TestServiceName(t *testing.T) {
	assert.Equal(t, "ssh", ServiceName(22))
	assert.Equal(t, "https", ServiceName(443))
	assert.Equal(t, "postgresql", ServiceName(5432))
	assert.Equal(t, "mongodb", ServiceName(27017))
	assert.Equal(t, "unknown", ServiceName(49152))
}

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []int
		wantErr bool
	}{
		{
			name: "single port",
			spec: "80",
			want: []int{80},
		},
		{
			name: "comma separated",
			spec: "443,80,22",
			want: []int{22, 80, 443},
		},
		{
			name: "range",
			spec: "8000-8003",
			want: []int{8000, 8001, 8002, 8003},
		},
		{
			name: "mixed with duplicates",
			spec: "22,80,79-81",
			want: []int{22, 79, 80, 81},
		},
		{
			name: "whitespace tolerated",
			spec: " 22 , 80 ",
			want: []int{22, 80},
		},
		{
			name:    "inverted range",
			spec:    "100-50",
			wantErr: true,
		},
		{
			name:    "port out of range",
			spec:    "70000",
			wantErr: true,
		},
		{
			name:    "garbage",
			spec:    "http",
			wantErr: true,
		},
		{
			name:    "empty",
			spec:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenPorts(t *testing.T) {
	results := []*types.ProbeResult{
		{Port: 443, Status: types.PortOpen, Timestamp: time.Now()},
		{Port: 80, Status: types.PortOpen, Timestamp: time.Now()},
		{Port: 81, Status: types.PortClosed, Timestamp: time.Now()},
		{Port: 82, Status: types.PortFiltered, Timestamp: time.Now()},
	}

	open := OpenPorts(results)
	require.Len(t, open, 2)
	assert.Equal(t, 80, open[0].Port)
	assert.Equal(t, 443, open[1].Port)
}
