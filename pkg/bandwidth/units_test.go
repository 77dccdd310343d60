package bandwidth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"10M", 10_000_000},
		{"512K", 512_000},
		{"1G", 1_000_000_000},
		{"1.5M", 1_500_000},
		{"2048", 2048},
		{" 10m ", 10_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRateInvalid(t *testing.T) {
	for _, in := range []string{"", "fast", "10Mi", "M", "-5M", "0", "0K"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseRate(in)
			assert.Error(t, err)
		})
	}
}
