package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-relay/pkg/rtc"
)

type frame struct {
	Response     bool            `json:"response"`
	Notification bool            `json:"notification"`
	ID           uint64          `json:"id"`
	OK           bool            `json:"ok"`
	Method       string          `json:"method"`
	Data         json.RawMessage `json:"data"`
	Error        string          `json:"error"`
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn

	lock   sync.Mutex
	frames []frame
	nextID uint64
}

func newSignalServer(t *testing.T, r *testRelay) (*SignalService, *httptest.Server) {
	svc := NewSignalService(r.conf, r.rooms)
	mux := http.NewServeMux()
	svc.SetupRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return svc, server
}

func dialSignal(t *testing.T, server *httptest.Server) *wsTestClient {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/signal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsTestClient{t: t, conn: conn}
	go c.readWorker()
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return c
}

func (c *wsTestClient) readWorker() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		c.lock.Lock()
		c.frames = append(c.frames, f)
		c.lock.Unlock()
	}
}

func (c *wsTestClient) find(match func(f frame) bool) (frame, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, f := range c.frames {
		if match(f) {
			return f, true
		}
	}
	return frame{}, false
}

func (c *wsTestClient) waitFor(match func(f frame) bool) frame {
	var found frame
	require.Eventually(c.t, func() bool {
		f, ok := c.find(match)
		found = f
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func (c *wsTestClient) request(method string, data interface{}) frame {
	c.lock.Lock()
	c.nextID++
	id := c.nextID
	c.lock.Unlock()

	msg := map[string]interface{}{
		"request": true,
		"id":      id,
		"method":  method,
	}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(msg))
	return c.waitFor(func(f frame) bool {
		return f.Response && f.ID == id
	})
}

func (c *wsTestClient) notification(method string) frame {
	return c.waitFor(func(f frame) bool {
		return f.Notification && f.Method == method
	})
}

func (c *wsTestClient) join(roomID, displayName string) {
	caps := c.request(rtc.MethodGetRouterRtpCapabilities, map[string]string{"roomId": roomID})
	require.True(c.t, caps.OK, caps.Error)

	res := c.request(rtc.MethodJoin, map[string]string{"roomId": roomID})
	require.True(c.t, res.OK, res.Error)

	res = c.request(rtc.MethodJoinRoom, map[string]interface{}{
		"displayName":     displayName,
		"rtpCapabilities": caps.Data,
	})
	require.True(c.t, res.OK, res.Error)
}

func TestSignalService_Session(t *testing.T) {
	r := newTestRelay(t, nil)
	svc, server := newSignalServer(t, r)

	alice := dialSignal(t, server)
	res := alice.request(rtc.MethodGetRouterRtpCapabilities, map[string]string{"roomId": "r1"})
	require.True(t, res.OK, res.Error)
	var caps map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Data, &caps))
	require.NotEmpty(t, caps["codecs"])
	require.NotNil(t, r.rooms.GetRoom("r1"))
	require.Equal(t, 1, svc.NumConnections())

	alice.join("r1", "alice")
	peers := alice.notification(rtc.EventAvailablePeers)
	require.JSONEq(t, `{"otherPeerDetails":[]}`, string(peers.Data))

	bob := dialSignal(t, server)
	bob.join("r1", "bob")

	var existing rtc.AvailablePeersEvent
	require.NoError(t, json.Unmarshal(bob.notification(rtc.EventAvailablePeers).Data, &existing))
	require.Len(t, existing.OtherPeerDetails, 1)
	require.Equal(t, "alice", existing.OtherPeerDetails[0].DisplayName)

	var joined rtc.PeerInfo
	require.NoError(t, json.Unmarshal(alice.notification(rtc.EventPeerJoined).Data, &joined))
	require.Equal(t, "bob", joined.DisplayName)
	require.NotEmpty(t, joined.ID)

	// dropping the connection leaves the room
	require.NoError(t, bob.conn.Close())
	left := alice.notification(rtc.EventPeerLeft)
	require.JSONEq(t, `{"id":"`+joined.ID+`"}`, string(left.Data))
	require.Eventually(t, func() bool {
		return svc.NumConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSignalService_Errors(t *testing.T) {
	r := newTestRelay(t, nil)
	_, server := newSignalServer(t, r)
	c := dialSignal(t, server)

	t.Run("unknown method", func(t *testing.T) {
		res := c.request("shuffle", nil)
		require.False(t, res.OK)
		require.Contains(t, res.Error, "shuffle")
	})

	t.Run("transport before join", func(t *testing.T) {
		res := c.request(rtc.MethodCreateProducerTransport, nil)
		require.False(t, res.OK)
		require.NotEmpty(t, res.Error)
	})

	t.Run("legacy prefix", func(t *testing.T) {
		res := c.request("mediasoup:getRouterRtpCapabilities", map[string]string{"roomId": "r2"})
		require.True(t, res.OK, res.Error)
	})

	t.Run("malformed frame is pushed as error", func(t *testing.T) {
		require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		f := c.notification(rtc.EventError)
		require.Contains(t, string(f.Data), "error")
	})
}

func TestSignalService_PlainHTTP(t *testing.T) {
	r := newTestRelay(t, nil)
	_, server := newSignalServer(t, r)

	res, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}
