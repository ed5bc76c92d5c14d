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

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecyclePhaseTransitions(t *testing.T) {
	l := newLifecycle()
	assert.Equal(t, PhaseInitializing, l.Phase())

	l.setPhase(PhaseRunning)
	assert.Equal(t, PhaseRunning, l.Phase())
	assert.False(t, l.IsShuttingDown())

	deadline := time.Now().Add(time.Second)
	l.beginShutdown("drain", deadline)
	assert.Equal(t, PhaseStopping, l.Phase())
	assert.True(t, l.IsShuttingDown())
	assert.Equal(t, "drain", l.ShutdownReason())
	assert.Greater(t, l.GracefulShutdownRemaining(), time.Duration(0))
}

func TestLifecycleGracefulShutdownRemainingZeroWhenUnset(t *testing.T) {
	l := newLifecycle()
	assert.Equal(t, time.Duration(0), l.GracefulShutdownRemaining())
}

func TestEphemeralSetGet(t *testing.T) {
	e := NewEphemeral()
	e.Set("k", []byte("v"))
	v, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok = e.Get("missing")
	assert.False(t, ok)
}

func TestEphemeralPublishSubscribe(t *testing.T) {
	e := NewEphemeral()
	ch := e.Subscribe("topic")
	e.Publish("topic", []byte("hello"))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestEphemeralDisposeClosesSubscribersAndStopsWrites(t *testing.T) {
	e := NewEphemeral()
	ch := e.Subscribe("topic")
	e.Dispose()

	_, open := <-ch
	assert.False(t, open, "Dispose must close every subscriber channel")

	e.Set("k", []byte("v")) // must not panic after dispose
	e.Publish("topic", []byte("v"))

	// A second Dispose call must also be a no-op, not a double-close panic.
	assert.NotPanics(t, func() { e.Dispose() })
}

func TestLogSinkWriteAndClose(t *testing.T) {
	s := NewLogSink()
	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), s.Bytes())

	require.NoError(t, s.Close())
	n, err = s.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n, "writes after Close report their length but are dropped")
	assert.Equal(t, []byte("hello"), s.Bytes(), "content after Close must be unchanged")
}

func TestExecutionContextShutdownHandlers(t *testing.T) {
	ec := &ExecutionContext{lifecycle: newLifecycle()}
	ec.OnShutdown(func(ctx context.Context) error { return nil })
	ec.OnShutdown(func(ctx context.Context) error { return nil })

	handlers := ec.shutdownHandlers()
	assert.Len(t, handlers, 2)
}

func TestExecutionContextLifecycleAccessor(t *testing.T) {
	lc := newLifecycle()
	ec := &ExecutionContext{lifecycle: lc}
	assert.Same(t, lc, ec.Lifecycle())
}
