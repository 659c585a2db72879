package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToDisabled(t *testing.T) {
	s, c, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, s)
	defer c.Close()

	s.Counter("test").Inc(1)
}

func TestNewUnknownBackend(t *testing.T) {
	_, _, err := New(Config{Backend: "bogus"})
	require.Error(t, err)
}

func TestNewStatsdBackend(t *testing.T) {
	s, c, err := New(Config{Backend: "statsd", Statsd: StatsdConfig{HostPort: "127.0.0.1:8125"}})
	require.NoError(t, err)
	require.NotNil(t, s)
	defer c.Close()
}
