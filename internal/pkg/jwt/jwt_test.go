package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func TestSignAndParse(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewSigner([]byte("secret"), time.Hour, clock)

	token, err := s.Sign("u1", 3)
	require.NoError(t, err)
	claims, err := s.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, int64(3), claims.SessionVersion)

	_, err = NewSigner([]byte("other"), time.Hour, clock).Parse(token)
	require.Error(t, err)

	clock.now = clock.now.Add(time.Hour + time.Second)
	_, err = s.Parse(token)
	require.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	s := NewSigner([]byte("secret"), time.Hour, nil)
	for _, token := range []string{"", "abc", "a.b.c"} {
		_, err := s.Parse(token)
		require.Error(t, err, token)
	}
}
