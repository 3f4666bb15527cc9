package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestServer_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := logrus.New()
	s := NewServer("127.0.0.1:0", "", log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestServer_ListenError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", "/metrics", logrus.New())
	require.Error(t, s.Run(context.Background()))
}
