package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

func TestGuard_AllowTool(t *testing.T) {
	g, err := NewGuard([]string{"calculator", " read_file ", "mcp:*"}, 0)
	require.NoError(t, err)

	assert.True(t, g.AllowTool("calculator"))
	assert.True(t, g.AllowTool("read_file"))
	assert.True(t, g.AllowTool("mcp:echo"))
	assert.False(t, g.AllowTool("write_file"))
	assert.False(t, g.AllowTool("mcpx"))
	assert.False(t, g.AllowTool(""))
	assert.ElementsMatch(t, []string{"calculator", "read_file"}, g.Names())
}

func TestGuard_NamesAreExact(t *testing.T) {
	g, err := NewGuard([]string{"calculator", "mcp:*"}, 0)
	require.NoError(t, err)

	assert.False(t, g.AllowTool("CALCULATOR"))
	assert.False(t, g.AllowTool("Calculator"))
	assert.False(t, g.AllowTool(" calculator"))
	assert.False(t, g.AllowTool("MCP:echo"))
	assert.True(t, g.AllowTool("mcp:Echo"))
	assert.Equal(t, DefaultTimeout, g.Timeout())
}

func TestGuard_ForPolicy(t *testing.T) {
	g, err := ForPolicy(core.Policy{Security: core.SecurityPolicy{
		AllowedTools: []string{"web_search"},
		ToolTimeout:  0.5,
	}})
	require.NoError(t, err)
	assert.True(t, g.AllowTool("web_search"))
	assert.Equal(t, 500*time.Millisecond, g.Timeout())
}

func TestGuard_WrapTimeout(t *testing.T) {
	g, err := NewGuard(nil, 10*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	err = g.Wrap(context.Background(), func(ctx context.Context) error {
		// Simulate long work
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	})
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, core.ErrToolTimeout)
	assert.GreaterOrEqual(t, elapsed.Milliseconds(), int64(10))
}

func TestGuard_WrapIgnoringContext(t *testing.T) {
	g, err := NewGuard(nil, 10*time.Millisecond)
	require.NoError(t, err)

	err = g.Wrap(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, core.ErrToolTimeout)
}

func TestGuard_WrapPanic(t *testing.T) {
	g, err := NewGuard(nil, time.Second)
	require.NoError(t, err)

	err = g.Wrap(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool panicked: boom")
}

func TestGuard_WrapPassesError(t *testing.T) {
	g, err := NewGuard(nil, time.Second)
	require.NoError(t, err)

	want := errors.New("handler failed")
	assert.ErrorIs(t, g.Wrap(context.Background(), func(ctx context.Context) error { return want }), want)
}

func TestGuard_WrapParentCancelled(t *testing.T) {
	g, err := NewGuard(nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = g.Wrap(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrToolTimeout)
}
