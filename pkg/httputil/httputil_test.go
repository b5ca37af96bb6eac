package httputil_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/AltairaLabs/CollabKit/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 60*time.Second, httputil.DefaultAgentTimeout)
	assert.Equal(t, 10*time.Second, httputil.DefaultPollTimeout)
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"agent timeout", httputil.DefaultAgentTimeout},
		{"poll timeout", httputil.DefaultPollTimeout},
		{"zero timeout", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := httputil.NewHTTPClient(tt.timeout)
			require.NotNil(t, client)
			assert.Equal(t, tt.timeout, client.Timeout)
		})
	}
}

func TestNewHTTPClientWithTransport(t *testing.T) {
	t.Parallel()

	rt := &http.Transport{}
	client := httputil.NewHTTPClientWithTransport(time.Second, rt)
	assert.Equal(t, time.Second, client.Timeout)
	assert.Same(t, rt, client.Transport)
}
