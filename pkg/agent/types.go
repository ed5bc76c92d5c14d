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

// Package agent implements the Node Agent (spec.md §4.4): a long-lived
// singleton per runtime process holding the control-plane connection,
// authentication, reconnection-with-resumption, token refresh,
// heartbeats, and server command dispatch.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

// State is the agent's connection lifecycle state (spec.md §4.4).
type State string

const (
	Disconnected   State = "disconnected"
	Connecting     State = "connecting"
	Connected      State = "connected"
	Authenticating State = "authenticating"
	Authenticated  State = "authenticated"
	Registering    State = "registering"
	Registered     State = "registered"
)

// Frame is the wire envelope for every control-plane message
// (spec.md §6 "Control-plane wire protocol").
type Frame struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationId string          `json:"correlationId,omitempty"`
}

// Config configures the Node Agent (spec.md §6 "Agent").
type Config struct {
	OrchestratorURL      string `validate:"required"`
	NodeName             string `validate:"required"`
	AuthToken            string `validate:"required"`
	RuntimeType          string
	Capabilities         []string
	Allocatable          v1.Resources
	Labels               map[string]string
	Taints               []v1.Taint
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // -1 = infinite
	BundleDir            string
	SecretsDir           string
	PersistState         bool
	ResumeExisting       bool
	RequestTimeout       time.Duration
}

// Validate rejects a Config that cannot start an agent, combining
// struct-tag validation with the URL-shape check the tags can't
// express (grounded on the teacher's settings.Settings.Validate).
func (c Config) Validate() error {
	validate := validator.New()
	return multierr.Combine(
		validate.Struct(c),
		c.validateOrchestratorURL(),
	)
}

func (c Config) validateOrchestratorURL() error {
	if c.OrchestratorURL == "" {
		return nil // caught by the required tag
	}
	u, err := url.Parse(c.OrchestratorURL)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return fmt.Errorf("%q is not a valid orchestratorURL", c.OrchestratorURL)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RuntimeType == "" {
		c.RuntimeType = "node"
	}
	return c
}

// DeployPayload is the server-initiated pod:deploy command payload.
type DeployPayload struct {
	PodId string  `json:"podId"`
	Pack  v1.Pack `json:"pack"`
	Pod   v1.Pod  `json:"pod"`
}

// StopPayload is the server-initiated pod:stop command payload.
type StopPayload struct {
	PodId  string `json:"podId"`
	Reason string `json:"reason"`
}

// CommandOutcome is the result a CommandHandler reports back for a
// dispatched pod command.
type CommandOutcome struct {
	Success bool
	Error   string
}

// CommandHandler bridges the agent to the Pod Handler without the
// agent package depending on it directly (spec.md §9 "the agent holds
// only status callbacks supplied by the handler").
type CommandHandler interface {
	HandleDeploy(ctx context.Context, payload DeployPayload) CommandOutcome
	HandleStop(ctx context.Context, payload StopPayload) CommandOutcome
}
