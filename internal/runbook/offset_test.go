package runbook

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"T-0", 0, false},
		{"T-1d", 1440, false},
		{"T-2d", 2880, false},
		{"T-1h", 60, false},
		{"T-30m", 30, false},
		{"T-60s", 1, false},
		{"T-61s", 2, false},
		{"T-1s", 1, false},
		{"T-0s", 0, false},
		{"", 0, true},
		{"T+1d", 0, true},
		{"T-1w", 0, true},
		{"T-d", 0, true},
		{"1d", 0, true},
		{"T-1.5h", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOffset(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"30s", 30, false},
		{"5m", 300, false},
		{"2h", 7200, false},
		{"1d", 86400, false},
		{"0s", 0, false},
		{"", 0, true},
		{"5", 0, true},
		{"m", 0, true},
		{"-5m", 0, true},
		{"5 m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Minutes and seconds agree up to ceiling rounding.
func TestOffsetDurationAgreement(t *testing.T) {
	for _, n := range []int{1, 2, 10, 90} {
		minutes, err := ParseOffset(fmt.Sprintf("T-%dm", n))
		require.NoError(t, err)

		seconds, err := ParseDuration(fmt.Sprintf("%ds", n*60))
		require.NoError(t, err)

		assert.Equal(t, minutes*60, seconds)
	}
}
