/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"encoding/json"
	"sync"

	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
)

// pendingRequest is one in-flight correlationId awaiting a response
// frame (spec.md §6 "request/response correlation over the socket").
type pendingRequest struct {
	resultCh chan correlationResult
}

type correlationResult struct {
	payload json.RawMessage
	err     error
}

// correlationTable tracks in-flight request/response pairs keyed by
// correlationId, the agent-side half of the control-plane wire
// protocol's request/response exchanges (auth, registration, reconnect).
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: map[string]*pendingRequest{}}
}

// register creates a waiter for correlationId and returns the channel
// to receive its eventual result.
func (t *correlationTable) register(correlationId string) <-chan correlationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &pendingRequest{resultCh: make(chan correlationResult, 1)}
	t.pending[correlationId] = p
	return p.resultCh
}

// resolve delivers payload to the waiter for correlationId, if any is
// still registered. Unknown or already-resolved ids are ignored.
func (t *correlationTable) resolve(correlationId string, payload json.RawMessage) {
	t.mu.Lock()
	p, ok := t.pending[correlationId]
	if ok {
		delete(t.pending, correlationId)
	}
	t.mu.Unlock()
	if ok {
		p.resultCh <- correlationResult{payload: payload}
	}
}

// reject delivers err to the waiter for correlationId.
func (t *correlationTable) reject(correlationId string, err error) {
	t.mu.Lock()
	p, ok := t.pending[correlationId]
	if ok {
		delete(t.pending, correlationId)
	}
	t.mu.Unlock()
	if ok {
		p.resultCh <- correlationResult{err: err}
	}
}

// cancel releases correlationId without delivering a result, used when
// a waiter times out locally.
func (t *correlationTable) cancel(correlationId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, correlationId)
}

// failAll rejects every outstanding waiter, called when the underlying
// connection drops so no caller blocks forever across a reconnect.
func (t *correlationTable) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[string]*pendingRequest{}
	t.mu.Unlock()
	for _, p := range pending {
		p.resultCh <- correlationResult{err: err}
	}
}

var errConnectionClosed = errs.New(errs.Cancelled, "connection closed before response arrived")
