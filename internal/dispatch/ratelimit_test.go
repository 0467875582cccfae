package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    Rate
		wantErr bool
	}{
		{"", Rate{}, false},
		{"20/s", Rate{Limit: 20, Window: time.Second}, false},
		{"600/M", Rate{Limit: 600, Window: time.Minute}, false},
		{" 5/h ", Rate{Limit: 5, Window: time.Hour}, false},
		{"5", Rate{}, true},
		{"x/s", Rate{}, true},
		{"0/s", Rate{}, true},
		{"5/d", Rate{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRateLimiter(Rate{Limit: 2, Window: time.Minute}, func() time.Time { return now })
	a, b := uuid.New(), uuid.New()

	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b))

	now = now.Add(59 * time.Second)
	assert.False(t, l.Allow(a))
	now = now.Add(time.Second)
	assert.True(t, l.Allow(a))

	l.Forget(a)
	l.Forget(b)
	assert.Zero(t, l.size())

	var unlimited *rateLimiter
	assert.True(t, unlimited.Allow(a))
	unlimited.Forget(a)
}
