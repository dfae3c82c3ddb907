package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/engine/enginetest"
)

var testCodecs = []engine.RtpCodecCapability{
	{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: engine.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

var testTransportOptions = engine.WebRtcTransportOptions{
	ListenIPs: []engine.TransportListenIP{{IP: "127.0.0.1"}},
	EnableUDP: true,
	EnableTCP: true,
	PreferTCP: true,
}

// testRooms is a minimal RoomProvider backed by the in-memory engine
type testRooms struct {
	worker engine.Worker

	lock  sync.Mutex
	rooms map[string]*Room
}

func newTestRooms(t *testing.T) *testRooms {
	w, err := enginetest.NewEngine().CreateWorker(context.Background(), engine.WorkerSettings{})
	require.NoError(t, err)
	return &testRooms{worker: w, rooms: make(map[string]*Room)}
}

func (p *testRooms) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if r, ok := p.rooms[roomID]; ok && !r.IsClosed() {
		return r, nil
	}
	router, err := p.worker.CreateRouter(ctx, engine.RouterOptions{MediaCodecs: testCodecs})
	if err != nil {
		return nil, err
	}
	r := NewRoom(roomID, router, nil)
	p.rooms[roomID] = r
	return r, nil
}

func (p *testRooms) room(roomID string) *Room {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rooms[roomID]
}

// testSink records every frame written to a connection
type testSink struct {
	lock sync.Mutex
	msgs []interface{}
}

func (s *testSink) WriteMessage(msg interface{}) error {
	s.lock.Lock()
	s.msgs = append(s.msgs, msg)
	s.lock.Unlock()
	return nil
}

func (s *testSink) notifications(method string) []*Notification {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*Notification
	for _, m := range s.msgs {
		if n, ok := m.(*Notification); ok && n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

func (s *testSink) methods() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []string
	for _, m := range s.msgs {
		if n, ok := m.(*Notification); ok {
			out = append(out, n.Method)
		}
	}
	return out
}

func (s *testSink) responses() []*Response {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*Response
	for _, m := range s.msgs {
		if r, ok := m.(*Response); ok {
			out = append(out, r)
		}
	}
	return out
}

type testClient struct {
	t       *testing.T
	session *Session
	sink    *testSink
}

func newTestClient(t *testing.T, rooms RoomProvider, id string) *testClient {
	sink := &testSink{}
	return &testClient{
		t:    t,
		sink: sink,
		session: NewSession(SessionParams{
			ID:               id,
			Rooms:            rooms,
			Sink:             sink,
			TransportOptions: testTransportOptions,
		}),
	}
}

func (c *testClient) request(method string, data interface{}) (interface{}, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(c.t, err)
		raw = b
	}
	return c.session.HandleRequest(context.Background(), method, raw)
}

func (c *testClient) mustRequest(method string, data interface{}) interface{} {
	res, err := c.request(method, data)
	require.NoError(c.t, err, method)
	return res
}

func (c *testClient) caps() engine.RtpCapabilities {
	res := c.mustRequest(MethodGetRouterRtpCapabilities, GetRouterRtpCapabilitiesRequest{RoomID: "r1"})
	return res.(engine.RtpCapabilities)
}

// enter joins r1 and announces with the router's own capabilities
func (c *testClient) enter(displayName string) {
	caps := c.caps()
	c.mustRequest(MethodJoin, JoinRequest{RoomID: "r1"})
	c.mustRequest(MethodJoinRoom, JoinRoomRequest{DisplayName: displayName, RtpCapabilities: caps})
}

func (c *testClient) createTransport(direction TransportDirection) TransportResponse {
	method := MethodCreateProducerTransport
	if direction == TransportDirectionRecv {
		method = MethodCreateConsumerTransport
	}
	return c.mustRequest(method, nil).(TransportResponse)
}

func (c *testClient) connect(tr TransportResponse) {
	c.mustRequest(MethodConnectTransport, ConnectTransportRequest{
		TransportID:    tr.ID,
		DtlsParameters: &engine.DtlsParameters{Role: engine.DtlsRoleClient, Fingerprints: tr.DtlsParameters.Fingerprints},
	})
}

func (c *testClient) fakeTransport(id string) *enginetest.Transport {
	info := c.session.Peer().GetTransport(id)
	require.NotNil(c.t, info)
	return info.Transport().(*enginetest.Transport)
}

// sendReady creates and connects a send transport
func (c *testClient) sendReady() TransportResponse {
	tr := c.createTransport(TransportDirectionSend)
	c.connect(tr)
	return tr
}

func (c *testClient) produce(transportID string, kind engine.MediaKind) string {
	res := c.mustRequest(MethodProduce, ProduceRequest{
		TransportID:   transportID,
		Kind:          kind,
		RtpParameters: testRtpParameters(kind),
	})
	return res.(ProduceResponse).ID
}

func testRtpParameters(kind engine.MediaKind) engine.RtpParameters {
	if kind == engine.MediaKindAudio {
		return engine.RtpParameters{
			Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []engine.RtpEncodingParameters{{SSRC: 11111111}},
			Rtcp:      engine.RtcpParameters{Cname: "test"},
		}
	}
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RtpEncodingParameters{{SSRC: 22222222}},
		Rtcp:      engine.RtcpParameters{Cname: "test"},
	}
}
