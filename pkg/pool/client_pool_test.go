// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/types"
)

type fakeOptions struct {
	sessionID string
}

func (o fakeOptions) Backend() types.BackendName { return types.BackendA }
func (o fakeOptions) SessionID() string           { return o.sessionID }
func (o fakeOptions) WithSessionID(id string) backend.ClientOptions {
	o.sessionID = id
	return o
}

type fakeClient struct {
	opts          backend.ClientOptions
	connectErr    error
	connectCalls  int32
	disconnectErr error
}

func (c *fakeClient) Connect(ctx context.Context) error {
	atomic.AddInt32(&c.connectCalls, 1)
	return c.connectErr
}
func (c *fakeClient) Disconnect(ctx context.Context) error               { return c.disconnectErr }
func (c *fakeClient) Query(ctx context.Context, b []types.ContentBlock) error { return nil }
func (c *fakeClient) ReceiveResponse(ctx context.Context) (<-chan backend.RawEvent, <-chan error) {
	return nil, nil
}
func (c *fakeClient) Interrupt(ctx context.Context) error { return nil }
func (c *fakeClient) SessionID() string                  { return c.opts.SessionID() }
func (c *fakeClient) SetOptions(opts backend.ClientOptions) { c.opts = opts }
func (c *fakeClient) Options() backend.ClientOptions        { return c.opts }

type fakeProvider struct {
	mu           sync.Mutex
	createCalls  int
	failNextN    int
	failWith     error
}

func (p *fakeProvider) Type() types.BackendName { return types.BackendA }
func (p *fakeProvider) BuildOptions(base backend.ClientOptions, hooks backend.Hooks) (backend.ClientOptions, error) {
	return fakeOptions{}, nil
}
func (p *fakeProvider) CreateClient(opts backend.ClientOptions) (backend.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++

	client := &fakeClient{opts: opts}
	if p.failNextN > 0 {
		p.failNextN--
		client.connectErr = p.failWith
	}
	return client, nil
}
func (p *fakeProvider) Parser() backend.StreamParser         { return nil }
func (p *fakeProvider) CheckAvailability(ctx context.Context) bool { return true }
func (p *fakeProvider) SessionFieldName() string              { return "session_id" }

var _ backend.Provider = (*fakeProvider)(nil)
var _ backend.Client = (*fakeClient)(nil)

func TestGetOrCreate_ReusesExistingClientForSameTask(t *testing.T) {
	provider := &fakeProvider{}
	p := NewClientPool(provider, 4, nil)
	taskID := types.TaskID{RoomID: 1, AgentID: 1}

	c1, existed1, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.NoError(t, err)
	assert.False(t, existed1)

	c2, existed2, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.NoError(t, err)
	assert.True(t, existed2)
	assert.Same(t, c1, c2, "the second call must reuse the pooled client, not create a new one")

	assert.Equal(t, 1, provider.createCalls)
}

func TestGetOrCreate_EvictsOnSessionIDChange(t *testing.T) {
	provider := &fakeProvider{}
	p := NewClientPool(provider, 4, nil)
	taskID := types.TaskID{RoomID: 1, AgentID: 1}

	_, _, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{sessionID: "a"})
	require.NoError(t, err)

	_, existed, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{sessionID: "b"})
	require.NoError(t, err)
	assert.False(t, existed, "a changed session id must evict the old client and create a fresh one")
	assert.Equal(t, 2, provider.createCalls)
}

func TestGetOrCreate_RetriesOnTransportNotReady(t *testing.T) {
	provider := &fakeProvider{failNextN: 1, failWith: fmt.Errorf("transport not ready")}
	p := NewClientPool(provider, 4, nil)
	p.retryDelays = []time.Duration{0, 0} // keep both retries, but don't slow the test down with real sleeps

	taskID := types.TaskID{RoomID: 1, AgentID: 1}
	client, _, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, 2, provider.createCalls, "one failed attempt plus one retry")
}

func TestGetOrCreate_DoesNotRetryOnOtherErrors(t *testing.T) {
	provider := &fakeProvider{failNextN: 1, failWith: fmt.Errorf("permission denied")}
	p := NewClientPool(provider, 4, nil)

	taskID := types.TaskID{RoomID: 1, AgentID: 1}
	_, _, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, provider.createCalls, "a non-transport error must not be retried")
}

func TestCleanup_RemovesFromPoolAndDisconnectsInBackground(t *testing.T) {
	provider := &fakeProvider{}
	p := NewClientPool(provider, 4, nil)
	taskID := types.TaskID{RoomID: 1, AgentID: 1}

	_, _, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.NoError(t, err)

	p.Cleanup(taskID)
	p.background.Wait()

	_, existed, err := p.GetOrCreate(context.Background(), taskID, fakeOptions{})
	require.NoError(t, err)
	assert.False(t, existed, "after Cleanup, GetOrCreate must build a brand new client")
}

func TestIsBenignDisconnectError(t *testing.T) {
	assert.True(t, isBenignDisconnectError(context.Canceled))
	assert.True(t, isBenignDisconnectError(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, isBenignDisconnectError(fmt.Errorf("no active connection")))
	assert.False(t, isBenignDisconnectError(fmt.Errorf("disk full")))
}

func TestCleanupRoom_OnlyAffectsMatchingRoom(t *testing.T) {
	provider := &fakeProvider{}
	p := NewClientPool(provider, 4, nil)

	taskRoom1 := types.TaskID{RoomID: 1, AgentID: 1}
	taskRoom2 := types.TaskID{RoomID: 2, AgentID: 1}

	_, _, err := p.GetOrCreate(context.Background(), taskRoom1, fakeOptions{})
	require.NoError(t, err)
	_, _, err = p.GetOrCreate(context.Background(), taskRoom2, fakeOptions{})
	require.NoError(t, err)

	p.CleanupRoom(1)
	p.background.Wait()

	p.mu.RLock()
	_, stillRoom2 := p.clients[taskRoom2]
	_, stillRoom1 := p.clients[taskRoom1]
	p.mu.RUnlock()

	assert.False(t, stillRoom1)
	assert.True(t, stillRoom2)
}
