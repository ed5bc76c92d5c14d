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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/metrics"
	"github.com/wewatchwall/stark-orchestrator/pkg/transport"
)

// Frame type constants for the control-plane wire protocol
// (spec.md §6 "Control-plane wire protocol").
const (
	frameAuthAuthenticate  = "auth:authenticate"
	frameAuthAuthenticated = "auth:authenticated"
	frameNodeRegister      = "node:register"
	frameNodeRegistered    = "node:registered"
	frameNodeReconnect     = "node:reconnect"
	frameNodeHeartbeat     = "node:heartbeat"
	framePing              = "ping"
	framePong              = "pong"
	frameDisconnect        = "disconnect"
	framePodDeploy         = "pod:deploy"
	framePodStop           = "pod:stop"
	framePodDeploySuccess  = "pod:deploy:success"
	framePodDeployError    = "pod:deploy:error"
	framePodStopSuccess    = "pod:stop:success"
	framePodStopError      = "pod:stop:error"
	framePodStatusUpdate   = "pod:status:update"
	frameError             = "error"
)

type authenticateRequest struct {
	Token string `json:"token"`
}

type authenticatedResponse struct {
	UserId string `json:"userId"`
	Email  string `json:"email"`
}

type registerRequest struct {
	NodeName     string            `json:"nodeName"`
	RuntimeType  string            `json:"runtimeType"`
	Capabilities []string          `json:"capabilities"`
	Allocatable  v1.Resources      `json:"allocatable"`
	Labels       map[string]string `json:"labels"`
	Taints       []v1.Taint        `json:"taints"`
}

type reconnectRequest struct {
	NodeId string `json:"nodeId"`
}

type registeredResponse struct {
	NodeId string `json:"nodeId"`
}

type heartbeatMessage struct {
	NodeId      string       `json:"nodeId"`
	Allocated   v1.Resources `json:"allocated"`
	TimestampMs int64        `json:"timestampMs"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// podStatusUpdate is the payload of a client-initiated
// pod:status:update frame (spec.md §4.5 / §6).
type podStatusUpdate struct {
	PodId  string `json:"podId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AuthTokenUpdater receives a freshly refreshed access token, so other
// in-process components (the Pack Executor's BundleSource) can update
// their own copy in place, without the agent importing the executor
// package directly (spec.md §4.4 "Token refresh").
type AuthTokenUpdater func(accessToken string)

// Agent is the Node Agent singleton (spec.md §4.4): it owns the
// long-lived control-plane connection, authentication, registration
// with resumption, heartbeats, token refresh, and command dispatch to
// a CommandHandler supplied by the Pod Handler.
type Agent struct {
	cfg     Config
	dialer  Dialer
	client  transport.HTTPClient
	store   *Store
	handler CommandHandler

	correlation *correlationTable

	mu           sync.Mutex
	conn         Conn
	writeMu      sync.Mutex
	state        State
	nodeId       string
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
	tokenUpdater AuthTokenUpdater
}

// New constructs an Agent. client is the HTTP client used for token
// refresh and node lookup-by-name; dialer may be nil to use the
// production gorilla/websocket dialer.
func New(cfg Config, dialer Dialer, client transport.HTTPClient, handler CommandHandler) (*Agent, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid agent config", err)
	}
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	var store *Store
	if cfg.PersistState {
		s, err := NewStore(cfg.SecretsDir)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "creating agent store", err)
		}
		store = s
	}
	return &Agent{
		cfg:         cfg,
		dialer:      dialer,
		client:      client,
		store:       store,
		handler:     handler,
		correlation: newCorrelationTable(),
		state:       Disconnected,
		accessToken: cfg.AuthToken,
	}, nil
}

// State returns the agent's current connection lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// NodeId returns the node's server-assigned id once registered.
func (a *Agent) NodeId() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeId
}

// OnTokenRefreshed registers fn to be called with the new access token
// each time a background token refresh succeeds, so callers such as the
// Pod Handler can wire it to Executor.UpdateAuthToken.
func (a *Agent) OnTokenRefreshed(fn AuthTokenUpdater) {
	a.mu.Lock()
	a.tokenUpdater = fn
	a.mu.Unlock()
}

// EmitStatusUpdate reports a pod lifecycle transition to the control
// plane via a pod:status:update frame, fire-and-forget like the
// teacher's event-recorder call sites (spec.md §4.5). Safe to call
// even while disconnected; the frame is simply dropped.
func (a *Agent) EmitStatusUpdate(podId, status, errMsg string) {
	payload, _ := json.Marshal(podStatusUpdate{PodId: podId, Status: status, Error: errMsg})
	go func() {
		_ = a.send(Frame{Type: framePodStatusUpdate, Payload: payload})
	}()
}

// Run connects, authenticates, registers (or reconnects), and then
// serves the control-plane session until ctx is cancelled or the
// reconnect budget is exhausted (spec.md §4.4 "Connection lifecycle").
func (a *Agent) Run(ctx context.Context) error {
	logger := log.FromContext(ctx)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := a.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if a.cfg.MaxReconnectAttempts > 0 && attempt > a.cfg.MaxReconnectAttempts {
				return errs.Wrap(errs.TransientIO, "exceeded max reconnect attempts", err)
			}
			metrics.AgentReconnectsCounter.Inc()
			backoff := reconnectBackoff(a.cfg.ReconnectDelay, attempt)
			logger.Warnw("agent connection lost, reconnecting", "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
	}
}

// reconnectBackoff grows linearly up to 5x the base delay, per
// spec.md §4.4 "reconnection backoff".
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	mult := attempt
	if mult > 5 {
		mult = 5
	}
	return base * time.Duration(mult)
}

// connectAndServe performs one full connection lifecycle: dial,
// authenticate, register/reconnect, then run the read/heartbeat/
// refresh loops until the connection breaks or ctx is cancelled.
func (a *Agent) connectAndServe(ctx context.Context) error {
	a.setState(Connecting)
	header := http.Header{}
	conn, err := a.dialer.Dial(ctx, a.cfg.OrchestratorURL, header)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "dialing control plane", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			_ = conn.Close()
			a.conn = nil
		}
		a.state = Disconnected
		a.mu.Unlock()
	}()
	a.setState(Connected)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	frames := make(chan Frame, 32)
	group.Go(func() error { return a.readLoop(conn, frames) })
	group.Go(func() error { return a.dispatchLoop(gctx, frames) })
	// Closing the socket once the group's context ends unblocks readLoop,
	// which otherwise waits on ReadMessage forever.
	group.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	if err := a.authenticate(gctx); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}
	if err := a.registerOrReconnect(gctx); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}
	a.setState(Registered)

	group.Go(func() error { return a.heartbeatLoop(gctx) })
	group.Go(func() error { return a.refreshLoop(gctx) })

	err = group.Wait()
	a.correlation.failAll(errConnectionClosed)
	a.setState(Disconnected)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop pumps frames off the socket until it closes or errors.
func (a *Agent) readLoop(conn Conn, out chan<- Frame) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(out)
			return errs.Wrap(errs.TransientIO, "reading control-plane frame", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case out <- f:
		default:
		}
	}
}

// dispatchLoop routes inbound frames: correlated responses go to the
// correlation table, uncorrelated server-initiated commands go to the
// CommandHandler.
func (a *Agent) dispatchLoop(ctx context.Context, frames <-chan Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return errs.New(errs.TransientIO, "control-plane read loop closed")
			}
			a.handleFrame(ctx, f)
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, f Frame) {
	if f.CorrelationId != "" && isResponseType(f.Type) {
		if f.Type == frameError {
			var ep errorPayload
			_ = json.Unmarshal(f.Payload, &ep)
			a.correlation.reject(f.CorrelationId, errs.New(errs.Kind(ep.Code), ep.Message))
		} else {
			a.correlation.resolve(f.CorrelationId, f.Payload)
		}
		return
	}

	switch f.Type {
	case framePing:
		_ = a.send(Frame{Type: framePong, CorrelationId: f.CorrelationId})
	case frameDisconnect:
		a.mu.Lock()
		if a.conn != nil {
			_ = a.conn.Close()
		}
		a.mu.Unlock()
	case framePodDeploy:
		var payload DeployPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return
		}
		outcome := a.handler.HandleDeploy(ctx, payload)
		a.ack(framePodDeploySuccess, framePodDeployError, f.CorrelationId, outcome)
	case framePodStop:
		var payload StopPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return
		}
		outcome := a.handler.HandleStop(ctx, payload)
		a.ack(framePodStopSuccess, framePodStopError, f.CorrelationId, outcome)
	}
}

func isResponseType(t string) bool {
	switch t {
	case frameAuthAuthenticated, frameNodeRegistered, frameError:
		return true
	default:
		return false
	}
}

// ack replies to a dispatched pod command with its command-specific
// success or error frame, carrying the original correlation id
// (spec.md §4.4 / §6: "pod:deploy:success|error", "pod:stop:success|error").
func (a *Agent) ack(successType, errorType, correlationId string, outcome CommandOutcome) {
	if correlationId == "" {
		return
	}
	frameType := successType
	if !outcome.Success {
		frameType = errorType
	}
	payload, _ := json.Marshal(outcome)
	_ = a.send(Frame{Type: frameType, Payload: payload, CorrelationId: correlationId})
}

// send serializes and writes f, serialized against concurrent writers
// since *websocket.Conn forbids concurrent WriteMessage calls.
func (a *Agent) send(f Frame) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errs.New(errs.Cancelled, "no active connection")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends f and blocks for its correlated response, bounded by
// cfg.RequestTimeout.
func (a *Agent) request(ctx context.Context, f Frame) (json.RawMessage, error) {
	f.CorrelationId = uuid.NewString()
	resultCh := a.correlation.register(f.CorrelationId)
	if err := a.send(f); err != nil {
		a.correlation.cancel(f.CorrelationId)
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		a.correlation.cancel(f.CorrelationId)
		return nil, errs.Wrap(errs.Timeout, "waiting for control-plane response", ctx.Err())
	}
}

func (a *Agent) authenticate(ctx context.Context) error {
	a.setState(Authenticating)
	payload, _ := json.Marshal(authenticateRequest{Token: a.accessToken})
	resp, err := a.request(ctx, Frame{Type: frameAuthAuthenticate, Payload: payload})
	if err != nil {
		return errs.Wrap(errs.Unauthorized, "authenticating with control plane", err)
	}
	var ar authenticatedResponse
	_ = json.Unmarshal(resp, &ar)
	a.setState(Authenticated)
	if a.store != nil {
		if creds, ok := a.store.LoadCredentials(); ok {
			creds.UserId = ar.UserId
			creds.Email = ar.Email
			_ = a.store.SaveCredentials(creds)
		}
	}
	return nil
}

// registerOrReconnect resumes an existing node registration when
// cfg.ResumeExisting is set and a prior registration is on disk,
// otherwise registers fresh (spec.md §4.4 "Persistence" / "resumption").
func (a *Agent) registerOrReconnect(ctx context.Context) error {
	a.setState(Registering)

	if a.cfg.ResumeExisting && a.store != nil {
		if n, ok := a.store.LoadRegisteredNode(a.cfg.OrchestratorURL, a.cfg.NodeName); ok {
			payload, _ := json.Marshal(reconnectRequest{NodeId: n.NodeId})
			resp, err := a.request(ctx, Frame{Type: frameNodeReconnect, Payload: payload})
			if err == nil {
				var rr registeredResponse
				_ = json.Unmarshal(resp, &rr)
				a.mu.Lock()
				a.nodeId = rr.NodeId
				a.mu.Unlock()
				n.LastStarted = time.Now()
				_ = a.store.SaveRegisteredNode(a.cfg.OrchestratorURL, a.cfg.NodeName, n)
				return nil
			}
			if !errs.Is(err, errs.NotFound) {
				return err
			}
			_ = a.store.ClearRegisteredNode(a.cfg.OrchestratorURL, a.cfg.NodeName)
		}
	}

	payload, _ := json.Marshal(registerRequest{
		NodeName:     a.cfg.NodeName,
		RuntimeType:  a.cfg.RuntimeType,
		Capabilities: a.cfg.Capabilities,
		Allocatable:  a.cfg.Allocatable,
		Labels:       a.cfg.Labels,
		Taints:       a.cfg.Taints,
	})
	resp, err := a.request(ctx, Frame{Type: frameNodeRegister, Payload: payload})
	if err != nil {
		return errs.Wrap(errs.Conflict, "registering node", err)
	}
	var rr registeredResponse
	_ = json.Unmarshal(resp, &rr)
	a.mu.Lock()
	a.nodeId = rr.NodeId
	a.mu.Unlock()

	if a.store != nil {
		now := time.Now()
		_ = a.store.SaveRegisteredNode(a.cfg.OrchestratorURL, a.cfg.NodeName, RegisteredNode{
			NodeId:       rr.NodeId,
			RegisteredBy: a.cfg.NodeName,
			RegisteredAt: now,
			LastStarted:  now,
		})
	}
	return nil
}

// heartbeatLoop sends node:heartbeat every cfg.HeartbeatInterval
// (spec.md §4.4 "Heartbeats"). The allocated field carries the
// configured cfg.Allocatable; the agent does not track per-pod
// allocation, so the value does not change as pods start or stop.
func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			payload, _ := json.Marshal(heartbeatMessage{
				NodeId:      a.NodeId(),
				Allocated:   a.cfg.Allocatable,
				TimestampMs: time.Now().UnixMilli(),
			})
			if err := a.send(Frame{Type: frameNodeHeartbeat, Payload: payload}); err != nil {
				return err
			}
		}
	}
}

// refreshRequest is the JSON body of POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshResponse is the body of POST /auth/refresh.
type refreshResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// refreshLoop renews the access token ahead of its expiry via a plain
// HTTP call (not the socket), single-flighted by the loop's own timer
// so no two refreshes race (spec.md §4.4 "Token refresh").
func (a *Agent) refreshLoop(ctx context.Context) error {
	a.mu.Lock()
	expiry := a.tokenExpiry
	a.mu.Unlock()
	if expiry.IsZero() {
		expiry = time.Now().Add(10 * time.Minute)
	}
	for {
		wait := time.Until(expiry) - 30*time.Second
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		newExpiry, err := a.refreshToken_(ctx)
		if err != nil {
			log.FromContext(ctx).Warnw("token refresh failed", "error", err)
			expiry = time.Now().Add(time.Minute)
			continue
		}
		expiry = newExpiry
	}
}

func (a *Agent) refreshToken_(ctx context.Context) (time.Time, error) {
	a.mu.Lock()
	refreshToken := a.refreshToken
	accessToken := a.accessToken
	a.mu.Unlock()

	reqBody, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "encoding auth refresh request", err)
	}
	url := fmt.Sprintf("%s/auth/refresh", trimRight(a.cfg.OrchestratorURL))
	body, status, err := transport.Post(ctx, a.client, url, accessToken, reqBody)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.TransientIO, "calling auth refresh", err)
	}
	if status >= 300 {
		return time.Time{}, errs.New(errs.Unauthorized, fmt.Sprintf("auth refresh status %d", status))
	}
	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "decoding auth refresh response", err)
	}
	a.mu.Lock()
	a.accessToken = rr.AccessToken
	a.refreshToken = rr.RefreshToken
	a.tokenExpiry = rr.ExpiresAt
	updater := a.tokenUpdater
	a.mu.Unlock()

	if updater != nil {
		updater(rr.AccessToken)
	}
	if a.store != nil {
		_ = a.store.SaveCredentials(Credentials{
			AccessToken:  rr.AccessToken,
			RefreshToken: rr.RefreshToken,
			ExpiresAt:    rr.ExpiresAt,
			CreatedAt:    time.Now(),
		})
	}
	return rr.ExpiresAt, nil
}

func trimRight(url string) string {
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url
}
