package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{59*time.Second + 500*time.Millisecond, 60},
		{60 * time.Second, 60},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CeilSeconds(tt.in), tt.in.String())
	}
}
