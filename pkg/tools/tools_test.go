package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/protocol"
)

func newTestInvoker(serverURL string, approvalRequired []string, broker *Broker) *Invoker {
	return NewInvoker(config.ToolsConfig{
		ServerURL:        serverURL,
		TimeoutSeconds:   5,
		ApprovalRequired: approvalRequired,
		CacheTTLSeconds:  map[string]int{"web.search": 300},
	}, contract.NewEnforcer(), broker, nil)
}

func TestValidateCallRequiredArgs(t *testing.T) {
	def := &Definition{Name: "file.read", RequiredArgs: []string{"path"}}

	err := def.ValidateCall(protocol.ToolCall{Tool: "file.read"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires arg 'path'")

	err = def.ValidateCall(protocol.ToolCall{Tool: "file.read", Args: map[string]interface{}{"path": ""}})
	require.Error(t, err)

	err = def.ValidateCall(protocol.ToolCall{Tool: "file.read", Args: map[string]interface{}{"path": "a.md"}})
	require.NoError(t, err)
}

func TestNeedsApproval(t *testing.T) {
	inv := newTestInvoker("", []string{"shell.run", "file.*"}, nil)

	assert.True(t, inv.NeedsApproval("shell.run"))
	assert.True(t, inv.NeedsApproval("file.write"))
	assert.True(t, inv.NeedsApproval("file.read"))
	assert.False(t, inv.NeedsApproval("web.search"))
}

func TestCacheTTL(t *testing.T) {
	inv := newTestInvoker("", nil, nil)

	// Config override wins over the definition default.
	assert.Equal(t, 5*time.Minute, inv.CacheTTL("web.search"))
	// Definition default applies when there is no override.
	assert.Equal(t, time.Hour, inv.CacheTTL("file.read"))
	// Non-cacheable tools get zero.
	assert.Equal(t, time.Duration(0), inv.CacheTTL("file.write"))
	assert.Equal(t, time.Duration(0), inv.CacheTTL("unknown.tool"))
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey(protocol.ToolCall{Tool: "web.search", Args: map[string]interface{}{"query": "x1 carbon", "limit": 5}})
	b := CacheKey(protocol.ToolCall{Tool: "web.search", Args: map[string]interface{}{"limit": 5, "query": "x1 carbon"}})
	c := CacheKey(protocol.ToolCall{Tool: "web.search", Args: map[string]interface{}{"query": "thinkpad"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "tool_")
}

func TestInvokePostsAndNormalizes(t *testing.T) {
	var gotPath string
	var gotArgs map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotArgs))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    "file contents here",
		})
	}))
	defer srv.Close()

	inv := newTestInvoker(srv.URL, nil, nil)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{
		Tool: "file.read",
		Args: map[string]interface{}{"path": "notes.md"},
	})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "file contents here", out.Data)
	assert.Equal(t, "/file.read", gotPath)
	assert.Equal(t, "notes.md", gotArgs["path"])
}

func TestInvokeWrapsBareToolOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"result-a", "result-b"})
	}))
	defer srv.Close()

	inv := newTestInvoker(srv.URL, nil, nil)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{
		Tool: "web.search",
		Args: map[string]interface{}{"query": "laptops"},
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.NotNil(t, out.Data)
}

func TestInvokeMissingArgFailsWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	inv := newTestInvoker(srv.URL, nil, nil)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{Tool: "file.read"})
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "requires arg 'path'")
	assert.False(t, called)
}

func TestInvokeUnreachableServer(t *testing.T) {
	inv := newTestInvoker("http://127.0.0.1:1", nil, nil)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{
		Tool: "web.fetch",
		Args: map[string]interface{}{"url": "https://example.com"},
	})
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unreachable")
}

func TestInvokeDeniedByBroker(t *testing.T) {
	broker, err := NewBroker(t.TempDir(), 100*time.Millisecond)
	require.NoError(t, err)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	inv := newTestInvoker(srv.URL, []string{"shell.run"}, broker)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{
		Tool: "shell.run",
		Args: map[string]interface{}{"command": "rm -rf /"},
	})
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "denied")
	assert.False(t, called)
}

func TestInvokeApprovedByBroker(t *testing.T) {
	broker, err := NewBroker(t.TempDir(), 5*time.Second)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": "ok"})
	}))
	defer srv.Close()

	go func() {
		for {
			pending, err := broker.Pending()
			if err == nil && len(pending) > 0 {
				broker.Resolve(pending[0].ID, true)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	inv := newTestInvoker(srv.URL, []string{"shell.run"}, broker)
	out, err := inv.Invoke(context.Background(), protocol.ToolCall{
		Tool: "shell.run",
		Args: map[string]interface{}{"command": "ls"},
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestBrokerTimeoutIsDenial(t *testing.T) {
	broker, err := NewBroker(t.TempDir(), 50*time.Millisecond)
	require.NoError(t, err)

	approved, err := broker.Request(context.Background(), "shell.run", nil, "test")
	require.NoError(t, err)
	assert.False(t, approved)

	// The timed-out request is recorded as denied in the queue file.
	pending, err := broker.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBrokerResolveUnknownID(t *testing.T) {
	broker, err := NewBroker(t.TempDir(), time.Second)
	require.NoError(t, err)

	err = broker.Resolve("no-such-id", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
