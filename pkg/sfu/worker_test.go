package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/engine"
)

var testCodecs = []engine.RtpCodecCapability{
	{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: engine.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func newTestWorker(t *testing.T) *Worker {
	w, err := NewEngine(EngineParams{}).CreateWorker(context.Background(), engine.WorkerSettings{RtcMinPort: 50000, RtcMaxPort: 50100})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w.(*Worker)
}

func TestCreateRouter(t *testing.T) {
	w := newTestWorker(t)

	r, err := w.CreateRouter(context.Background(), engine.RouterOptions{MediaCodecs: testCodecs})
	require.NoError(t, err)
	caps := r.RtpCapabilities()
	require.Len(t, caps.Codecs, 2)
	require.Equal(t, uint8(96), caps.Codecs[0].PreferredPayloadType)
	require.NotEmpty(t, caps.HeaderExtensions)
	require.False(t, r.CanConsume("unknown", caps))

	_, err = w.CreateRouter(context.Background(), engine.RouterOptions{
		MediaCodecs: []engine.RtpCodecCapability{{Kind: engine.MediaKindVideo, MimeType: "video/rtx", ClockRate: 90000}},
	})
	require.ErrorIs(t, err, engine.ErrInvalidCodec)

	w.Close()
	require.True(t, r.IsClosed())
	_, err = w.CreateRouter(context.Background(), engine.RouterOptions{MediaCodecs: testCodecs})
	require.ErrorIs(t, err, engine.ErrWorkerClosed)

	_, err = r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{EnableUDP: true})
	require.ErrorIs(t, err, engine.ErrRouterClosed)
}

func TestWorkerSettings(t *testing.T) {
	_, err := NewEngine(EngineParams{}).CreateWorker(context.Background(), engine.WorkerSettings{RtcMinPort: 2, RtcMaxPort: 1})
	require.ErrorIs(t, err, ErrInvalidPortRange)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine(EngineParams{}).CreateWorker(ctx, engine.WorkerSettings{})
	require.ErrorIs(t, err, context.Canceled)

	w := newTestWorker(t)
	_, err = w.settingEngine(engine.WebRtcTransportOptions{})
	require.ErrorIs(t, err, ErrNoNetworkTypes)
	se, err := w.settingEngine(engine.WebRtcTransportOptions{
		ListenIPs: []engine.TransportListenIP{{IP: "127.0.0.1", AnnouncedIP: "203.0.113.10"}},
		EnableUDP: true,
	})
	require.NoError(t, err)
	require.Equal(t, w.loggerFactory, se.LoggerFactory)
	require.NotNil(t, se.LoggerFactory.NewLogger("ice"))
}

func TestWorkerDies(t *testing.T) {
	w := newTestWorker(t)
	r, err := w.CreateRouter(context.Background(), engine.RouterOptions{MediaCodecs: testCodecs})
	require.NoError(t, err)

	died := make(chan error, 1)
	w.OnDied(func(err error) {
		died <- err
	})
	w.submit(func() {
		panic("boom")
	})

	select {
	case err := <-died:
		require.Error(t, err)
		require.Contains(t, err.Error(), "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not die")
	}
	require.True(t, w.IsClosed())
	require.Eventually(t, r.IsClosed, time.Second, 10*time.Millisecond)

	// Close after death does not report again
	w.Close()
	select {
	case <-died:
		t.Fatal("died reported twice")
	default:
	}
}
