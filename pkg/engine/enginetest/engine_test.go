package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/engine"
)

var testCodecs = []engine.RtpCodecCapability{
	{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: engine.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func newRouter(t *testing.T) *Router {
	e := NewEngine()
	w, err := e.CreateWorker(context.Background(), engine.WorkerSettings{})
	require.NoError(t, err)
	r, err := w.CreateRouter(context.Background(), engine.RouterOptions{MediaCodecs: testCodecs})
	require.NoError(t, err)
	return r.(*Router)
}

func newTransport(t *testing.T, r *Router) *Transport {
	tr, err := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		ListenIPs: []engine.TransportListenIP{{IP: "0.0.0.0", AnnouncedIP: "1.2.3.4"}},
		EnableUDP: true,
		EnableTCP: true,
	})
	require.NoError(t, err)
	return tr.(*Transport)
}

func audioParams() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{SSRC: 1234}},
	}
}

func TestTransportCandidates(t *testing.T) {
	tr := newTransport(t, newRouter(t))
	require.Len(t, tr.IceCandidates(), 2)
	require.Equal(t, "1.2.3.4", tr.IceCandidates()[0].Address)
	require.Equal(t, engine.DtlsStateNew, tr.DtlsState())
}

func TestConnect(t *testing.T) {
	tr := newTransport(t, newRouter(t))
	var states []engine.DtlsState
	tr.OnDtlsStateChange(func(s engine.DtlsState) { states = append(states, s) })

	require.ErrorIs(t, tr.Connect(context.Background(), engine.TransportConnectOptions{}), ErrMissingFingerprints)
	require.NoError(t, tr.Connect(context.Background(), engine.TransportConnectOptions{DtlsParameters: tr.DtlsParameters()}))
	require.Equal(t, []engine.DtlsState{engine.DtlsStateConnecting, engine.DtlsStateConnected}, states)
	require.ErrorIs(t, tr.Connect(context.Background(), engine.TransportConnectOptions{DtlsParameters: tr.DtlsParameters()}), engine.ErrAlreadyConnected)
}

func TestProducerCloseCascades(t *testing.T) {
	r := newRouter(t)
	send := newTransport(t, r)
	recv := newTransport(t, r)

	p, err := send.Produce(context.Background(), engine.ProducerOptions{Kind: engine.MediaKindAudio, RtpParameters: audioParams()})
	require.NoError(t, err)
	require.True(t, r.CanConsume(p.ID(), r.RtpCapabilities()))
	require.False(t, r.CanConsume("unknown", r.RtpCapabilities()))

	c, err := recv.Consume(context.Background(), engine.ConsumerOptions{
		ProducerID:      p.ID(),
		RtpCapabilities: r.RtpCapabilities(),
		Paused:          true,
	})
	require.NoError(t, err)
	require.True(t, c.Paused())
	require.Equal(t, p.ID(), c.ProducerID())

	var reason engine.CloseReason
	c.OnClose(func(r engine.CloseReason) { reason = r })

	send.Close()
	require.True(t, p.IsClosed())
	require.True(t, c.IsClosed())
	require.Equal(t, engine.CloseReasonProducerClosed, reason)
	require.Empty(t, recv.Consumers())
	require.Nil(t, r.Producer(p.ID()))
	require.False(t, recv.IsClosed())
}

func TestConsumeIncompatible(t *testing.T) {
	r := newRouter(t)
	send := newTransport(t, r)
	recv := newTransport(t, r)

	p, err := send.Produce(context.Background(), engine.ProducerOptions{Kind: engine.MediaKindAudio, RtpParameters: audioParams()})
	require.NoError(t, err)

	caps := engine.RtpCapabilities{Codecs: []engine.RtpCodecCapability{
		{Kind: engine.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}}
	require.False(t, r.CanConsume(p.ID(), caps))
	_, err = recv.Consume(context.Background(), engine.ConsumerOptions{ProducerID: p.ID(), RtpCapabilities: caps})
	require.ErrorIs(t, err, engine.ErrIncompatibleCapabilities)
}

func TestRouterClose(t *testing.T) {
	r := newRouter(t)
	tr := newTransport(t, r)
	closed := false
	tr.OnClose(func() { closed = true })

	r.Close()
	require.True(t, tr.IsClosed())
	require.True(t, closed)
	require.Equal(t, engine.DtlsStateClosed, tr.DtlsState())

	_, err := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{})
	require.ErrorIs(t, err, engine.ErrRouterClosed)
}

func TestWorkerDie(t *testing.T) {
	w, err := NewEngine().CreateWorker(context.Background(), engine.WorkerSettings{})
	require.NoError(t, err)

	var died error
	w.OnDied(func(err error) { died = err })
	w.(*Worker).Die(context.Canceled)
	require.ErrorIs(t, died, context.Canceled)
	require.True(t, w.IsClosed())

	// closing after death does not report again
	died = nil
	w.Close()
	require.NoError(t, died)
}
