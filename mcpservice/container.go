package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-hub-go/mcp"
)

// ToolsContainer is a mutable, concurrency-safe set of tools. It implements
// OperationSet and ListChangeSource.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	notifier ChangeNotifier
}

var (
	_ OperationSet     = (*ToolsContainer)(nil)
	_ ListChangeSource = (*ToolsContainer)(nil)
)

// NewToolsContainer returns a container holding defs. On duplicate names the
// last definition wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{}
	st.replace(defs)
	return st
}

// Snapshot returns a copy of the current descriptors in registration order.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Replace atomically swaps the whole tool set and signals subscribers.
func (st *ToolsContainer) Replace(defs ...StaticTool) {
	st.replace(defs)
	st.notifier.Notify()
}

func (st *ToolsContainer) replace(defs []StaticTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tools = make([]mcp.Tool, 0, len(defs))
	st.handlers = make(map[string]ToolHandler, len(defs))
	index := make(map[string]int, len(defs))
	for _, d := range defs {
		name := d.Descriptor.Name
		if i, ok := index[name]; ok {
			st.tools[i] = d.Descriptor
		} else {
			index[name] = len(st.tools)
			st.tools = append(st.tools, d.Descriptor)
		}
		if d.Handler != nil {
			st.handlers[name] = d.Handler
		} else {
			delete(st.handlers, name)
		}
	}
}

// Add registers def unless a tool of the same name exists. It reports
// whether the tool was added.
func (st *ToolsContainer) Add(def StaticTool) bool {
	st.mu.Lock()
	for _, t := range st.tools {
		if t.Name == def.Descriptor.Name {
			st.mu.Unlock()
			return false
		}
	}
	st.tools = append(st.tools, def.Descriptor)
	if def.Handler != nil {
		st.handlers[def.Descriptor.Name] = def.Handler
	}
	st.mu.Unlock()

	st.notifier.Notify()
	return true
}

// Remove drops the named tool and reports whether it existed.
func (st *ToolsContainer) Remove(name string) bool {
	st.mu.Lock()
	n := 0
	removed := false
	for _, t := range st.tools {
		if t.Name == name {
			removed = true
			continue
		}
		st.tools[n] = t
		n++
	}
	if removed {
		st.tools = st.tools[:n]
		delete(st.handlers, name)
	}
	st.mu.Unlock()

	if removed {
		st.notifier.Notify()
	}
	return removed
}

// ListTools implements OperationSet.
func (st *ToolsContainer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return st.Snapshot(), nil
}

// CallTool implements OperationSet. An unknown tool name is reported as an
// isError result.
func (st *ToolsContainer) CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	st.mu.RLock()
	h := st.handlers[req.Name]
	st.mu.RUnlock()
	if h == nil {
		return Errorf("Unknown tool: %s", req.Name), nil
	}
	return h(ctx, req)
}

// SubscribeListChanged implements ListChangeSource.
func (st *ToolsContainer) SubscribeListChanged(ctx context.Context) <-chan struct{} {
	return st.notifier.Subscribe(ctx)
}

// Close releases list change subscribers.
func (st *ToolsContainer) Close() error {
	st.notifier.Close()
	return nil
}
