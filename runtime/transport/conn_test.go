package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// echoServer upgrades every request and echoes frames back until the client leaves.
func echoServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var loops atomic.Int32
	up := NewUpgrader(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.ReceiveLoop(r.Context(), func(data []byte) error {
			return c.SendRaw(data)
		})
		loops.Add(1)
	}))
	t.Cleanup(srv.Close)
	return srv, &loops
}

func TestDial_SendReceive(t *testing.T) {
	srv, _ := echoServer(t)

	c, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(map[string]string{"type": "broadcast"}))
	data, err := c.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"broadcast"}`, string(data))
	assert.NotEmpty(t, c.RemoteAddr())
}

func TestClose_IsIdempotentAndEndsServerLoop(t *testing.T) {
	srv, loops := echoServer(t)

	c, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ErrorIs(t, c.SendRaw([]byte("x")), ErrNotConnected)
	_, err = c.Receive()
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Eventually(t, func() bool { return loops.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReceiveLoop_StopsOnHandlerError(t *testing.T) {
	boom := errors.New("boom")
	result := make(chan error, 1)
	up := NewUpgrader(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		result <- c.ReceiveLoop(context.Background(), func([]byte) error { return boom })
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SendRaw([]byte("x")))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not return")
	}
}

func TestReceiveLoop_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	up := NewUpgrader(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		result <- c.ReceiveLoop(ctx, func([]byte) error { return nil })
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop ignored cancellation")
	}
}

func TestDialWithRetry_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := DialWithRetry(context.Background(), Config{
		URL:              wsURL(srv),
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  2 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "status 403")
}

func TestDialWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialWithRetry(ctx, Config{URL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_WithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := Backoff(base, time.Second)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, Backoff(time.Second, 50*time.Millisecond))
}
