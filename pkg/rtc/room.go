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

package rtc

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/protocol/logger"
)

// Room is one relay session: an immutable Router and the peers that announced themselves in it.
type Room struct {
	id        string
	router    engine.Router
	logger    logger.Logger
	createdAt time.Time

	lock sync.RWMutex
	// peer id -> Peer, in join order
	peers *orderedmap.OrderedMap[string, *Peer]
	// connections bound to the room, with or without a Peer
	holds int
	// last time the room became idle
	idleSince time.Time
	closed    core.Fuse

	onPeersChanged func(numPeers int)
}

func NewRoom(id string, router engine.Router, l logger.Logger) *Room {
	if l == nil {
		l = logger.GetLogger()
	}
	now := time.Now()
	r := &Room{
		id:        id,
		router:    router,
		logger:    l.WithValues("room", id),
		createdAt: now,
		peers:     orderedmap.NewOrderedMap[string, *Peer](),
		idleSince: now,
	}
	prometheus.RoomStarted()
	return r
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Router() engine.Router {
	return r.router
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

func (r *Room) Logger() logger.Logger {
	return r.logger
}

// OnPeersChanged is called with the new peer count after a peer was added or removed.
func (r *Room) OnPeersChanged(f func(numPeers int)) {
	r.lock.Lock()
	r.onPeersChanged = f
	r.lock.Unlock()
}

// Hold binds a connection to the room, keeping it alive while the connection lasts.
// It returns false when the room has closed, callers should look the room up again.
func (r *Room) Hold() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed.IsBroken() {
		return false
	}
	r.holds++
	return true
}

func (r *Room) Release() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.holds > 0 {
		r.holds--
	}
	if r.holds == 0 && r.peers.Len() == 0 {
		r.idleSince = time.Now()
	}
}

// AddPeer adds p and returns the peers that were in the room before it, as one consistent snapshot.
func (r *Room) AddPeer(p *Peer) ([]*Peer, error) {
	r.lock.Lock()
	if r.closed.IsBroken() {
		r.lock.Unlock()
		return nil, ErrRoomClosed
	}
	if _, ok := r.peers.Get(p.ID()); ok {
		r.lock.Unlock()
		return nil, ErrAlreadyJoined
	}
	others := r.peersLocked()
	r.peers.Set(p.ID(), p)
	numPeers := r.peers.Len()
	onPeersChanged := r.onPeersChanged
	r.lock.Unlock()

	prometheus.AddPeer()
	r.logger.Infow("peer joined", "peer", p.ID(), "displayName", p.DisplayName(), "numPeers", numPeers)
	if onPeersChanged != nil {
		onPeersChanged(numPeers)
	}
	return others, nil
}

// RemovePeer returns false if the peer was not in the room, so that a peer is only ever removed once.
func (r *Room) RemovePeer(id string) (*Peer, bool) {
	r.lock.Lock()
	p, ok := r.peers.Get(id)
	if !ok {
		r.lock.Unlock()
		return nil, false
	}
	r.peers.Delete(id)
	numPeers := r.peers.Len()
	if numPeers == 0 && r.holds == 0 {
		r.idleSince = time.Now()
	}
	onPeersChanged := r.onPeersChanged
	r.lock.Unlock()

	prometheus.SubPeer()
	r.logger.Infow("peer left", "peer", id, "numPeers", numPeers)
	if onPeersChanged != nil {
		onPeersChanged(numPeers)
	}
	return p, true
}

func (r *Room) GetPeer(id string) *Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	p, _ := r.peers.Get(id)
	return p
}

// GetPeers returns a snapshot of the peers in join order.
func (r *Room) GetPeers() []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peersLocked()
}

func (r *Room) peersLocked() []*Peer {
	peers := make([]*Peer, 0, r.peers.Len())
	for el := r.peers.Front(); el != nil; el = el.Next() {
		peers = append(peers, el.Value)
	}
	return peers
}

func (r *Room) NumPeers() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peers.Len()
}

// Broadcast pushes an event to every peer except the one with id skipID. Peers are snapshotted
// first, sending happens without holding the room lock.
func (r *Room) Broadcast(skipID string, method string, data interface{}) {
	for _, p := range r.GetPeers() {
		if p.ID() == skipID {
			continue
		}
		if err := p.SendNotification(method, data); err != nil {
			r.logger.Debugw("could not send notification", "peer", p.ID(), "method", method, "error", err)
		}
	}
}

// CloseIfIdle closes the room when nobody has been bound to it for at least timeout.
func (r *Room) CloseIfIdle(timeout time.Duration) bool {
	r.lock.Lock()
	if r.closed.IsBroken() || r.holds > 0 || r.peers.Len() > 0 || time.Since(r.idleSince) < timeout {
		r.lock.Unlock()
		return false
	}
	r.closed.Break()
	r.lock.Unlock()

	r.close()
	return true
}

func (r *Room) Close() {
	r.lock.Lock()
	if r.closed.IsBroken() {
		r.lock.Unlock()
		return
	}
	r.closed.Break()
	peers := r.peersLocked()
	r.lock.Unlock()

	for _, p := range peers {
		p.Close()
	}
	r.close()
}

func (r *Room) close() {
	r.logger.Infow("closing room")
	r.router.Close()
	prometheus.RoomEnded(r.createdAt)
}

func (r *Room) IsClosed() bool {
	return r.closed.IsBroken()
}
