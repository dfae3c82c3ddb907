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
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CodecParameters are codec specific fmtp parameters. They are passed through untouched,
// only the few keys needed for codec matching are ever inspected.
type CodecParameters map[string]interface{}

func (p CodecParameters) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		// json numbers
		return fmt.Sprintf("%d", int64(val)), true
	default:
		return fmt.Sprint(val), true
	}
}

// FmtpLine renders the parameters as an SDP fmtp line with keys in a stable order.
func (p CodecParameters) FmtpLine() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := p.String(k)
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability is a codec supported by a router or an endpoint.
type RtpCodecCapability struct {
	Kind                 MediaKind       `json:"kind" yaml:"kind,omitempty"`
	MimeType             string          `json:"mimeType" yaml:"mime_type,omitempty"`
	PreferredPayloadType uint8           `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32          `json:"clockRate" yaml:"clock_rate,omitempty"`
	Channels             uint16          `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           CodecParameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback  `json:"rtcpFeedback,omitempty" yaml:"-"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

func (c RtpCapabilities) IsEmpty() bool {
	return len(c.Codecs) == 0
}

type RtpCodecParameters struct {
	MimeType     string          `json:"mimeType"`
	PayloadType  uint8           `json:"payloadType"`
	ClockRate    uint32          `json:"clockRate"`
	Channels     uint16          `json:"channels,omitempty"`
	Parameters   CodecParameters `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback  `json:"rtcpFeedback,omitempty"`
}

func (c RtpCodecParameters) Kind() MediaKind {
	return MediaKind(strings.ToLower(strings.SplitN(c.MimeType, "/", 2)[0]))
}

type RtpHeaderExtensionParameters struct {
	URI        string          `json:"uri"`
	ID         int             `json:"id"`
	Encrypt    bool            `json:"encrypt,omitempty"`
	Parameters CodecParameters `json:"parameters,omitempty"`
}

type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	SSRC             uint32         `json:"ssrc,omitempty"`
	Rid              string         `json:"rid,omitempty"`
	CodecPayloadType *uint8         `json:"codecPayloadType,omitempty"`
	Rtx              *RtxParameters `json:"rtx,omitempty"`
	Dtx              bool           `json:"dtx,omitempty"`
	ScalabilityMode  string         `json:"scalabilityMode,omitempty"`
	MaxBitrate       uint32         `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize *bool  `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// MediaCodecs returns the codecs that carry media, skipping retransmission and FEC codecs.
func (p RtpParameters) MediaCodecs() []RtpCodecParameters {
	codecs := make([]RtpCodecParameters, 0, len(p.Codecs))
	for _, c := range p.Codecs {
		if isFeatureCodec(c.MimeType) {
			continue
		}
		codecs = append(codecs, c)
	}
	return codecs
}

func (p RtpParameters) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("mid", p.Mid)
	mimeTypes := make([]string, 0, len(p.Codecs))
	for _, c := range p.MediaCodecs() {
		mimeTypes = append(mimeTypes, c.MimeType)
	}
	e.AddString("codecs", strings.Join(mimeTypes, ","))
	e.AddInt("encodings", len(p.Encodings))
	e.AddInt("headerExtensions", len(p.HeaderExtensions))
	if p.Rtcp.Cname != "" {
		e.AddString("cname", p.Rtcp.Cname)
	}
	return nil
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type TransportProtocol string

const (
	TransportProtocolUDP TransportProtocol = "udp"
	TransportProtocolTCP TransportProtocol = "tcp"
)

type IceCandidate struct {
	Foundation string            `json:"foundation"`
	Priority   uint32            `json:"priority"`
	IP         string            `json:"ip"`
	Address    string            `json:"address"`
	Protocol   TransportProtocol `json:"protocol"`
	Port       uint16            `json:"port"`
	Type       string            `json:"type"`
	TCPType    string            `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

type ConsumerType string

const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
	ConsumerTypeSVC       ConsumerType = "svc"
)

// CloseReason tells a consumer's close observers why it went away.
type CloseReason string

const (
	CloseReasonLocal           CloseReason = "local"
	CloseReasonTransportClosed CloseReason = "transport_closed"
	CloseReasonProducerClosed  CloseReason = "producer_closed"
)

type WorkerSettings struct {
	RtcMinPort uint16
	RtcMaxPort uint16
}

type RouterOptions struct {
	MediaCodecs []RtpCodecCapability
}

type TransportListenIP struct {
	IP          string `yaml:"ip,omitempty" json:"ip"`
	AnnouncedIP string `yaml:"announced_ip,omitempty" json:"announcedIp,omitempty"`
}

type WebRtcTransportOptions struct {
	ListenIPs                       []TransportListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	PreferTCP                       bool
	InitialAvailableOutgoingBitrate uint32
	MinimumAvailableOutgoingBitrate uint32
	MaxIncomingBitrate              uint32
	MaxSctpMessageSize              uint32
	AppData                         map[string]interface{}
}

type TransportConnectOptions struct {
	DtlsParameters DtlsParameters
	// ICE credentials and candidates of the remote endpoint. Engines running ICE-lite
	// ignore them, full ICE engines require the credentials.
	IceParameters *IceParameters
	IceCandidates []IceCandidate
}

type ProducerOptions struct {
	Kind          MediaKind
	RtpParameters RtpParameters
	Paused        bool
	AppData       map[string]interface{}
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
	AppData         map[string]interface{}
}
