package tool

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadwell/loom/pkg/message"
)

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(Definition{
		Name:        "echo",
		Description: "Echoes the text parameter back.",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return input["text"].(string), nil
		},
	}))
	return r
}

func TestRegistry_ValidateRejectsMissingRequired(t *testing.T) {
	r := newEchoRegistry(t)

	assert.NoError(t, r.Validate("echo", map[string]interface{}{"text": "hello"}))
	assert.Error(t, r.Validate("echo", map[string]interface{}{}))
	assert.Error(t, r.Validate("echo", map[string]interface{}{"text": 42}))
	assert.Error(t, r.Validate("nope", nil))
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := newEchoRegistry(t)
	err := r.Register(Definition{Name: "echo"})
	assert.Error(t, err)
}

func TestRegistry_SpecsHonorAllowList(t *testing.T) {
	r := newEchoRegistry(t)
	require.NoError(t, r.Register(Definition{Name: "read_file", Description: "Reads a file."}))

	all := r.Specs(nil)
	assert.Len(t, all, 2)

	restricted := r.Specs([]string{"echo", "unknown"})
	require.Len(t, restricted, 1)
	assert.Equal(t, "echo", restricted[0].Name)
	assert.Equal(t, "object", restricted[0].InputSchema["type"])
}

func TestManager_CreateAndLookup(t *testing.T) {
	r := newEchoRegistry(t)
	m, err := NewManager(ManagerConfig{Factory: r.Factory(ExecOptions{Logger: zerolog.Nop()}), Logger: zerolog.Nop()})
	require.NoError(t, err)

	tl, err := m.Create(message.ToolRequest{ID: "t1", ToolName: "echo", Input: map[string]interface{}{"text": "hi"}})
	require.NoError(t, err)
	waitDone(t, tl)

	got, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, tl, got)

	res, ok := m.Lookup()("t1")
	require.True(t, ok)
	assert.Equal(t, "hi", res.Content)

	_, ok = m.Lookup()("missing")
	assert.False(t, ok)
}

func TestManager_CreateIsIdempotentPerRequestID(t *testing.T) {
	r := newEchoRegistry(t)
	m, err := NewManager(ManagerConfig{Factory: r.Factory(ExecOptions{Logger: zerolog.Nop()}), Logger: zerolog.Nop()})
	require.NoError(t, err)

	first, err := m.Create(message.ToolRequest{ID: "t1", ToolName: "echo", Input: map[string]interface{}{"text": "a"}})
	require.NoError(t, err)
	second, err := m.Create(message.ToolRequest{ID: "t1", ToolName: "echo", Input: map[string]interface{}{"text": "b"}})
	require.NoError(t, err)

	assert.Same(t, first.(*ExecTool), second.(*ExecTool))
}

func TestManager_CreateRejectsInvalidInput(t *testing.T) {
	r := newEchoRegistry(t)
	m, err := NewManager(ManagerConfig{Factory: r.Factory(ExecOptions{Logger: zerolog.Nop()}), Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = m.Create(message.ToolRequest{ID: "t2", ToolName: "echo", Input: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = m.Create(message.ToolRequest{ID: "t3", ToolName: "no_such_tool"})
	assert.Error(t, err)
}

func TestManager_AllDoneAndResultsOrder(t *testing.T) {
	release := make(chan struct{})
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(Definition{
		Name: "slow",
		Parameters: []Parameter{
			{Name: "id", Type: "string", Description: "marker", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			<-release
			return input["id"].(string), nil
		},
	}))

	m, err := NewManager(ManagerConfig{Factory: r.Factory(ExecOptions{Logger: zerolog.Nop()}), Logger: zerolog.Nop()})
	require.NoError(t, err)

	msg := message.New(message.RoleAssistant)
	msg.AppendBlock(message.Block{Type: message.BlockToolUse, Request: &message.ToolRequest{ID: "a", ToolName: "slow", Input: map[string]interface{}{"id": "first"}}})
	msg.AppendText("between")
	msg.AppendBlock(message.Block{Type: message.BlockToolUse, Request: &message.ToolRequest{ID: "b", ToolName: "slow", Input: map[string]interface{}{"id": "second"}}})

	for _, i := range msg.ToolUses() {
		_, err := m.Create(*msg.Content[i].Request)
		require.NoError(t, err)
	}

	assert.False(t, m.AllDone(&msg))

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !m.AllDone(&msg) {
		if time.Now().After(deadline) {
			t.Fatal("tools never finished")
		}
		time.Sleep(time.Millisecond)
	}

	results := m.Results(&msg)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].RequestID)
	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, "b", results[1].RequestID)
	assert.Equal(t, "second", results[1].Content)
}

func TestManager_AbortMessageAbortsOnlyNonDone(t *testing.T) {
	release := make(chan struct{})
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(Definition{
		Name: "quick",
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return "done", nil
		},
	}))
	require.NoError(t, r.Register(Definition{
		Name: "hang",
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}))

	m, err := NewManager(ManagerConfig{Factory: r.Factory(ExecOptions{Logger: zerolog.Nop()}), Logger: zerolog.Nop()})
	require.NoError(t, err)

	msg := message.New(message.RoleAssistant)
	msg.AppendBlock(message.Block{Type: message.BlockToolUse, Request: &message.ToolRequest{ID: "q", ToolName: "quick"}})
	msg.AppendBlock(message.Block{Type: message.BlockToolUse, Request: &message.ToolRequest{ID: "h", ToolName: "hang"}})

	quick, err := m.Create(*msg.Content[0].Request)
	require.NoError(t, err)
	hang, err := m.Create(*msg.Content[1].Request)
	require.NoError(t, err)

	waitDone(t, quick)
	quickResult := quick.Result()

	m.AbortMessage(&msg)
	waitDone(t, hang)

	assert.Equal(t, quickResult, quick.Result())
	assert.True(t, hang.Result().IsError)
}
