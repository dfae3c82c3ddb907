package sfu

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/engine"
)

func TestICECandidates(t *testing.T) {
	gathered := []webrtc.ICECandidate{
		{Foundation: "1", Priority: 100, Address: "10.0.0.1", Protocol: webrtc.ICEProtocolUDP, Port: 40000, Typ: webrtc.ICECandidateTypeHost},
		{Foundation: "2", Priority: 90, Address: "10.0.0.1", Protocol: webrtc.ICEProtocolTCP, Port: 40001, Typ: webrtc.ICECandidateTypeHost, TCPType: "passive"},
	}

	t.Run("preferred protocol first", func(t *testing.T) {
		out := fromICECandidates(gathered, engine.WebRtcTransportOptions{PreferTCP: true})
		require.Len(t, out, 2)
		require.Equal(t, engine.TransportProtocolTCP, out[0].Protocol)
		require.Equal(t, "passive", out[0].TCPType)
		require.Equal(t, engine.TransportProtocolUDP, out[1].Protocol)
		require.Equal(t, "host", out[1].Type)
		require.Equal(t, "10.0.0.1", out[1].IP)
		require.Equal(t, uint16(40000), out[1].Port)
	})

	t.Run("gathering order without preference", func(t *testing.T) {
		out := fromICECandidates(gathered, engine.WebRtcTransportOptions{})
		require.Equal(t, "1", out[0].Foundation)
		require.Equal(t, "2", out[1].Foundation)
	})

	t.Run("remote candidates", func(t *testing.T) {
		out, err := toICECandidates([]engine.IceCandidate{
			{Foundation: "a", Priority: 1, IP: "192.168.1.2", Protocol: engine.TransportProtocolUDP, Port: 5000, Type: "srflx"},
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, "192.168.1.2", out[0].Address)
		require.Equal(t, webrtc.ICEProtocolUDP, out[0].Protocol)
		require.Equal(t, webrtc.ICECandidateTypeSrflx, out[0].Typ)
		require.Equal(t, uint16(1), out[0].Component)
	})

	t.Run("invalid protocol", func(t *testing.T) {
		_, err := toICECandidates([]engine.IceCandidate{{Foundation: "a", Protocol: "sctp"}})
		require.Error(t, err)
	})
}

func TestDTLSParameters(t *testing.T) {
	params := engine.DtlsParameters{
		Role:         engine.DtlsRoleClient,
		Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
	converted := toDTLSParameters(params)
	require.Equal(t, webrtc.DTLSRoleClient, converted.Role)
	require.Equal(t, "AB:CD", converted.Fingerprints[0].Value)
	require.Equal(t, params, fromDTLSParameters(converted))

	require.Equal(t, webrtc.DTLSRoleAuto, toDTLSRole(""))
	require.Equal(t, engine.DtlsRoleAuto, fromDTLSRole(webrtc.DTLSRoleAuto))
}

func TestDTLSState(t *testing.T) {
	for state, expected := range map[webrtc.DTLSTransportState]engine.DtlsState{
		webrtc.DTLSTransportStateNew:        engine.DtlsStateNew,
		webrtc.DTLSTransportStateConnecting: engine.DtlsStateConnecting,
		webrtc.DTLSTransportStateConnected:  engine.DtlsStateConnected,
		webrtc.DTLSTransportStateFailed:     engine.DtlsStateFailed,
		webrtc.DTLSTransportStateClosed:     engine.DtlsStateClosed,
	} {
		require.Equal(t, expected, fromDTLSState(state), state.String())
	}
}

func TestRouterCodec(t *testing.T) {
	c := routerCodec(engine.RtpCodecCapability{
		Kind:                 engine.MediaKindVideo,
		MimeType:             "video/H264",
		PreferredPayloadType: 102,
		ClockRate:            90000,
		Parameters: engine.CodecParameters{
			"packetization-mode": float64(1),
			"profile-level-id":   "42e01f",
		},
		RtcpFeedback: []engine.RtcpFeedback{{Type: "nack", Parameter: "pli"}},
	})
	require.Equal(t, webrtc.PayloadType(102), c.PayloadType)
	require.Equal(t, "packetization-mode=1;profile-level-id=42e01f", c.SDPFmtpLine)
	require.Equal(t, []webrtc.RTCPFeedback{{Type: "nack", Parameter: "pli"}}, c.RTCPFeedback)

	require.Equal(t, webrtc.RTPCodecTypeAudio, codecType(engine.MediaKindAudio))
	require.Equal(t, webrtc.RTPCodecType(0), codecType("data"))
}
