// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

var (
	ErrInvalidCodec             = errors.New("invalid codec")
	ErrUnsupportedCodec         = errors.New("unsupported codec")
	ErrNoDynamicPayloadType     = errors.New("no more dynamic payload types available")
	ErrIncompatibleCapabilities = errors.New("rtp capabilities cannot consume producer")
	ErrMissingEncodings         = errors.New("rtp parameters have no encodings")
)

const (
	HeaderExtensionMid              = "urn:ietf:params:rtp-hdrext:sdes:mid"
	HeaderExtensionAbsSendTime      = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	HeaderExtensionAudioLevel       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	HeaderExtensionVideoOrientation = "urn:3gpp:video-orientation"

	minDynamicPayloadType = 96
	maxDynamicPayloadType = 127

	defaultH264ProfileLevelID = "42000a"
)

// header extensions every router offers, ids are fixed so that forwarded packets keep valid ids
var supportedHeaderExtensions = []RtpHeaderExtension{
	{Kind: MediaKindAudio, URI: HeaderExtensionMid, PreferredID: 1, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: HeaderExtensionMid, PreferredID: 1, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: HeaderExtensionAbsSendTime, PreferredID: 4, Direction: "sendrecv"},
	{Kind: MediaKindAudio, URI: HeaderExtensionAudioLevel, PreferredID: 10, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: HeaderExtensionVideoOrientation, PreferredID: 11, Direction: "sendrecv"},
}

func isFeatureCodec(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "audio/rtx", "video/rtx", "audio/red", "video/red", "video/ulpfec", "video/flexfec":
		return true
	}
	return false
}

func defaultRtcpFeedback(kind MediaKind) []RtcpFeedback {
	if kind == MediaKindVideo {
		return []RtcpFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
		}
	}
	return nil
}

// GenerateRouterRtpCapabilities validates the configured media codecs and assigns each of them a
// dynamic payload type, honouring preferred payload types when they are free.
func GenerateRouterRtpCapabilities(mediaCodecs []RtpCodecCapability) (RtpCapabilities, error) {
	used := make(map[uint8]bool)
	for _, c := range mediaCodecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(minDynamicPayloadType)
	caps := RtpCapabilities{}
	for _, c := range mediaCodecs {
		if err := validateCodecCapability(c); err != nil {
			return RtpCapabilities{}, err
		}
		if isFeatureCodec(c.MimeType) {
			return RtpCapabilities{}, fmt.Errorf("%w: %s cannot be configured as media codec", ErrInvalidCodec, c.MimeType)
		}

		codec := c
		codec.Parameters = copyParameters(c.Parameters)
		if codec.Kind == MediaKindAudio && codec.Channels == 0 {
			codec.Channels = 1
		}
		if codec.PreferredPayloadType == 0 {
			for next <= maxDynamicPayloadType && used[next] {
				next++
			}
			if next > maxDynamicPayloadType {
				return RtpCapabilities{}, ErrNoDynamicPayloadType
			}
			codec.PreferredPayloadType = next
			used[next] = true
		}
		codec.RtcpFeedback = defaultRtcpFeedback(codec.Kind)
		caps.Codecs = append(caps.Codecs, codec)
	}
	caps.HeaderExtensions = append(caps.HeaderExtensions, supportedHeaderExtensions...)
	return caps, nil
}

func validateCodecCapability(c RtpCodecCapability) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %q", ErrInvalidCodec, c.Kind)
	}
	parts := strings.SplitN(c.MimeType, "/", 2)
	if len(parts) != 2 || parts[1] == "" || MediaKind(strings.ToLower(parts[0])) != c.Kind {
		return fmt.Errorf("%w: invalid mimeType %q", ErrInvalidCodec, c.MimeType)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("%w: missing clockRate for %s", ErrInvalidCodec, c.MimeType)
	}
	if c.PreferredPayloadType != 0 && (c.PreferredPayloadType < minDynamicPayloadType || c.PreferredPayloadType > maxDynamicPayloadType) {
		return fmt.Errorf("%w: payload type %d outside of dynamic range", ErrInvalidCodec, c.PreferredPayloadType)
	}
	return nil
}

// codecsMatch compares codecs the way endpoints negotiate them. Strict matching also requires
// codec parameters that change the bitstream to agree.
func codecsMatch(aMime string, aClock uint32, aChannels uint16, aParams CodecParameters,
	bMime string, bClock uint32, bChannels uint16, bParams CodecParameters, strict bool,
) bool {
	if !strings.EqualFold(aMime, bMime) || aClock != bClock {
		return false
	}
	if strings.HasPrefix(strings.ToLower(aMime), "audio/") {
		if aChannels == 0 {
			aChannels = 1
		}
		if bChannels == 0 {
			bChannels = 1
		}
		if aChannels != bChannels {
			return false
		}
	}
	if !strict {
		return true
	}

	switch strings.ToLower(aMime) {
	case "video/h264":
		if paramOrDefault(aParams, "packetization-mode", "0") != paramOrDefault(bParams, "packetization-mode", "0") {
			return false
		}
		return h264Profile(aParams) == h264Profile(bParams)
	case "video/vp9":
		return paramOrDefault(aParams, "profile-id", "0") == paramOrDefault(bParams, "profile-id", "0")
	}
	return true
}

func paramOrDefault(p CodecParameters, key, def string) string {
	if v, ok := p.String(key); ok {
		return v
	}
	return def
}

// profile_idc and profile-iop, level is negotiable
func h264Profile(p CodecParameters) string {
	plid := strings.ToLower(paramOrDefault(p, "profile-level-id", defaultH264ProfileLevelID))
	if len(plid) != 6 {
		return plid
	}
	return plid[:4]
}

func copyParameters(p CodecParameters) CodecParameters {
	if p == nil {
		return nil
	}
	c := make(CodecParameters, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// ConsumableRtpParameters maps producer rtp parameters onto the router's codecs. The returned map
// translates producer payload types into router payload types.
func ConsumableRtpParameters(kind MediaKind, params RtpParameters, caps RtpCapabilities) (RtpParameters, map[uint8]uint8, error) {
	if len(params.Encodings) == 0 {
		return RtpParameters{}, nil, ErrMissingEncodings
	}

	mapping := make(map[uint8]uint8)
	consumable := RtpParameters{
		Rtcp: params.Rtcp,
	}
	for _, codec := range params.MediaCodecs() {
		if codec.Kind() != kind {
			return RtpParameters{}, nil, fmt.Errorf("%w: %s in %s producer", ErrUnsupportedCodec, codec.MimeType, kind)
		}
		var matched *RtpCodecCapability
		for i := range caps.Codecs {
			rc := &caps.Codecs[i]
			if rc.Kind != kind {
				continue
			}
			if codecsMatch(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters,
				rc.MimeType, rc.ClockRate, rc.Channels, rc.Parameters, true) {
				matched = rc
				break
			}
		}
		if matched == nil {
			return RtpParameters{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
		}
		mapping[codec.PayloadType] = matched.PreferredPayloadType
		consumable.Codecs = append(consumable.Codecs, RtpCodecParameters{
			MimeType:     matched.MimeType,
			PayloadType:  matched.PreferredPayloadType,
			ClockRate:    matched.ClockRate,
			Channels:     matched.Channels,
			Parameters:   copyParameters(codec.Parameters),
			RtcpFeedback: matched.RtcpFeedback,
		})
	}
	if len(consumable.Codecs) == 0 {
		return RtpParameters{}, nil, fmt.Errorf("%w: no media codecs", ErrUnsupportedCodec)
	}

	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		consumable.HeaderExtensions = append(consumable.HeaderExtensions, RtpHeaderExtensionParameters{
			URI: ext.URI,
			ID:  ext.PreferredID,
		})
	}
	consumable.Encodings = append(consumable.Encodings, params.Encodings...)
	return consumable, mapping, nil
}

// CanConsume reports whether an endpoint with the given capabilities can receive at least one of
// the consumable codecs.
func CanConsume(consumable RtpParameters, caps RtpCapabilities) bool {
	for _, codec := range consumable.MediaCodecs() {
		if matchCapability(codec, caps) != nil {
			return true
		}
	}
	return false
}

func matchCapability(codec RtpCodecParameters, caps RtpCapabilities) *RtpCodecCapability {
	for i := range caps.Codecs {
		c := &caps.Codecs[i]
		if codecsMatch(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters,
			c.MimeType, c.ClockRate, c.Channels, c.Parameters, true) {
			return c
		}
	}
	return nil
}

// ConsumerRtpParameters selects what a consumer with the given capabilities receives: the first
// consumable codec the endpoint supports, the header extensions both sides know and a single
// encoding with a freshly generated ssrc.
func ConsumerRtpParameters(consumable RtpParameters, caps RtpCapabilities) (RtpParameters, error) {
	params := RtpParameters{}
	for _, codec := range consumable.MediaCodecs() {
		c := matchCapability(codec, caps)
		if c == nil {
			continue
		}
		selected := codec
		selected.RtcpFeedback = intersectFeedback(codec.RtcpFeedback, c.RtcpFeedback)
		params.Codecs = append(params.Codecs, selected)
		break
	}
	if len(params.Codecs) == 0 {
		return RtpParameters{}, ErrIncompatibleCapabilities
	}

	for _, ext := range consumable.HeaderExtensions {
		for _, ce := range caps.HeaderExtensions {
			if ce.URI == ext.URI && ce.PreferredID == ext.ID {
				params.HeaderExtensions = append(params.HeaderExtensions, ext)
				break
			}
		}
	}

	params.Encodings = []RtpEncodingParameters{{SSRC: GenerateSSRC()}}
	reduced := true
	params.Rtcp = RtcpParameters{
		Cname:       consumable.Rtcp.Cname,
		ReducedSize: &reduced,
	}
	return params, nil
}

func intersectFeedback(a, b []RtcpFeedback) []RtcpFeedback {
	var out []RtcpFeedback
	for _, fa := range a {
		for _, fb := range b {
			if fa == fb {
				out = append(out, fa)
				break
			}
		}
	}
	return out
}

func GenerateSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}
