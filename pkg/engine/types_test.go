package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestRtpParametersLogObject(t *testing.T) {
	params := RtpParameters{
		Mid: "1",
		Codecs: []RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000, Parameters: CodecParameters{"apt": 96}},
		},
		Encodings: []RtpEncodingParameters{{SSRC: 1111}, {SSRC: 2222}},
		Rtcp:      RtcpParameters{Cname: "relay"},
	}

	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, params.MarshalLogObject(enc))
	require.Equal(t, "1", enc.Fields["mid"])
	require.Equal(t, "video/VP8", enc.Fields["codecs"])
	require.Equal(t, 2, enc.Fields["encodings"])
	require.Equal(t, "relay", enc.Fields["cname"])
}
