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

package utils

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

type OpsQueueParams struct {
	Name    string
	MinSize uint
	// when > 0, ops beyond this many pending are dropped
	MaxSize uint
	Logger  logger.Logger
}

// OpsQueue runs enqueued ops one at a time, in order, on its own goroutine.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.Mutex
	ops       *deque.Deque[func()]
	wake      chan struct{}
	done      chan struct{}
	isStarted bool
	isStopped bool
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &OpsQueue{
		params: params,
		ops:    deque.New[func()](int(params.MinSize)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop stops processing after the ops already queued have run.
// It returns a channel that is closed once processing is done.
func (oq *OpsQueue) Stop() <-chan struct{} {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return oq.done
	}
	oq.isStopped = true
	started := oq.isStarted
	oq.lock.Unlock()

	if !started {
		close(oq.done)
		return oq.done
	}

	oq.signal()
	return oq.done
}

// Enqueue returns false when the op was not queued, either because the queue is stopped or full.
func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return false
	}
	if oq.params.MaxSize > 0 && uint(oq.ops.Len()) >= oq.params.MaxSize {
		oq.lock.Unlock()
		oq.params.Logger.Warnw("ops queue full", nil, "name", oq.params.Name, "size", oq.params.MaxSize)
		return false
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
	return true
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for {
		<-oq.wake
		for {
			oq.lock.Lock()
			if oq.ops.Len() == 0 {
				stopped := oq.isStopped
				oq.lock.Unlock()
				if stopped {
					return
				}
				break
			}
			op := oq.ops.PopFront()
			oq.lock.Unlock()

			op()
		}
	}
}
