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

package sfu

import (
	"sort"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/media-relay/pkg/engine"
)

func codecType(kind engine.MediaKind) webrtc.RTPCodecType {
	switch kind {
	case engine.MediaKindAudio:
		return webrtc.RTPCodecTypeAudio
	case engine.MediaKindVideo:
		return webrtc.RTPCodecTypeVideo
	default:
		return webrtc.RTPCodecType(0)
	}
}

func toFeedback(fb []engine.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// routerCodec is the pion registration of a router codec under its router payload type.
func routerCodec(c engine.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  c.Parameters.FmtpLine(),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func codecParameters(c engine.RtpCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  c.Parameters.FmtpLine(),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

func fromICEParameters(p webrtc.ICEParameters) engine.IceParameters {
	return engine.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		// every transport runs ICE-lite
		IceLite: true,
	}
}

func toICEParameters(p engine.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

// fromICECandidates converts gathered candidates, putting the preferred protocol first.
func fromICECandidates(candidates []webrtc.ICECandidate, opts engine.WebRtcTransportOptions) []engine.IceCandidate {
	out := make([]engine.IceCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, engine.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   engine.TransportProtocol(c.Protocol.String()),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}

	var preferred engine.TransportProtocol
	switch {
	case opts.PreferUDP:
		preferred = engine.TransportProtocolUDP
	case opts.PreferTCP:
		preferred = engine.TransportProtocolTCP
	default:
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Protocol == preferred && out[j].Protocol != preferred
	})
	return out
}

func toICECandidates(candidates []engine.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(string(c.Protocol))
		if err != nil {
			return nil, errors.Wrapf(err, "candidate %s", c.Foundation)
		}
		typ := webrtc.ICECandidateTypeHost
		if c.Type != "" {
			if typ, err = webrtc.NewICECandidateType(c.Type); err != nil {
				return nil, errors.Wrapf(err, "candidate %s", c.Foundation)
			}
		}
		address := c.Address
		if address == "" {
			address = c.IP
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    address,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func fromDTLSParameters(p webrtc.DTLSParameters) engine.DtlsParameters {
	out := engine.DtlsParameters{
		Role: fromDTLSRole(p.Role),
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toDTLSParameters(p engine.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{
		Role: toDTLSRole(p.Role),
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSRole(role webrtc.DTLSRole) engine.DtlsRole {
	switch role {
	case webrtc.DTLSRoleClient:
		return engine.DtlsRoleClient
	case webrtc.DTLSRoleServer:
		return engine.DtlsRoleServer
	default:
		return engine.DtlsRoleAuto
	}
}

func toDTLSRole(role engine.DtlsRole) webrtc.DTLSRole {
	switch role {
	case engine.DtlsRoleClient:
		return webrtc.DTLSRoleClient
	case engine.DtlsRoleServer:
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func fromDTLSState(state webrtc.DTLSTransportState) engine.DtlsState {
	switch state {
	case webrtc.DTLSTransportStateConnecting:
		return engine.DtlsStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return engine.DtlsStateConnected
	case webrtc.DTLSTransportStateFailed:
		return engine.DtlsStateFailed
	case webrtc.DTLSTransportStateClosed:
		return engine.DtlsStateClosed
	default:
		return engine.DtlsStateNew
	}
}
