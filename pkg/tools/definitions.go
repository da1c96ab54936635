// Package tools invokes external tools over the uniform tool-server RPC
// and brokers human approval for sensitive calls.
//
// Every tool call is a POST to <tool_server>/<tool_name> with JSON args;
// every response is normalized to the uniform output shape by the
// contract enforcer, so a misbehaving tool can degrade a step but never
// poison the pipeline.
package tools

import (
	"fmt"
	"time"

	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/registry"
)

// Definition declares one known tool and its argument contract.
type Definition struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	RequiredArgs []string      `json:"required_args,omitempty"`
	CacheTTL     time.Duration `json:"cache_ttl,omitempty"`

	// Cacheable marks outputs safe to reuse across turns.
	Cacheable bool `json:"cacheable,omitempty"`
}

// ValidateCall checks a call's args against the definition.
func (d *Definition) ValidateCall(call protocol.ToolCall) error {
	for _, arg := range d.RequiredArgs {
		v, ok := call.Args[arg]
		if !ok || v == nil {
			return fmt.Errorf("tool %s requires arg '%s'", d.Name, arg)
		}
		if s, isString := v.(string); isString && s == "" {
			return fmt.Errorf("tool %s requires arg '%s'", d.Name, arg)
		}
	}
	return nil
}

// NewDefinitionRegistry builds the registry pre-loaded with the standard
// tool contracts.
func NewDefinitionRegistry() *registry.BaseRegistry[*Definition] {
	r := registry.NewBaseRegistry[*Definition]()
	for _, d := range standardDefinitions {
		// Standard names are unique by construction.
		_ = r.Register(d.Name, d)
	}
	return r
}

var standardDefinitions = []*Definition{
	{
		Name:         "file.read",
		Description:  "Read a file from the workspace",
		RequiredArgs: []string{"path"},
		Cacheable:    true,
		CacheTTL:     time.Hour,
	},
	{
		Name:         "file.write",
		Description:  "Write a file in the workspace",
		RequiredArgs: []string{"path", "content"},
	},
	{
		Name:         "web.search",
		Description:  "Search the web",
		RequiredArgs: []string{"query"},
		Cacheable:    true,
		CacheTTL:     12 * time.Hour,
	},
	{
		Name:         "web.fetch",
		Description:  "Fetch a URL",
		RequiredArgs: []string{"url"},
		Cacheable:    true,
		CacheTTL:     6 * time.Hour,
	},
	{
		Name:         "price.lookup",
		Description:  "Look up current product pricing",
		RequiredArgs: []string{"product"},
		Cacheable:    true,
		CacheTTL:     time.Hour,
	},
	{
		Name:         "shell.run",
		Description:  "Run a shell command on the tool server",
		RequiredArgs: []string{"command"},
	},
}
