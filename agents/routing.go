package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bytedance/sonic"
)

var ErrUnknownFunction = errors.New("unknown function")

// Context is the agent stack of one conversation.
type Context struct {
	catalog        *Catalog
	conversationID string

	mu    sync.Mutex
	stack []string
}

var _ realtime.RoutingContext = (*Context)(nil)

func (c *Context) Push(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.stack); n > 0 && c.stack[n-1] == agentID {
		return
	}
	c.stack = append(c.stack, agentID)
}

func (c *Context) GetCurrentAgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return c.catalog.routerID
	}
	return c.stack[len(c.stack)-1]
}

func (c *Context) InvokeFunction(ctx context.Context, name string, turn *realtime.Turn) error {
	switch name {
	case realtime.FunctionRouteToAgent:
		var args struct {
			AgentName string `json:"agent_name"`
		}
		if err := sonic.UnmarshalString(argsOrEmpty(turn.FunctionArgs), &args); err != nil {
			return fmt.Errorf("%w: %s: %w", shared.ErrMalformedFunctionArgs, name, err)
		}
		def, ok := c.catalog.resolve(args.AgentName)
		if !ok {
			turn.Content = fmt.Sprintf("Agent %q is not available.", args.AgentName)
			return fmt.Errorf("%w: %s", shared.ErrAgentNotFound, args.AgentName)
		}
		c.Push(def.ID)
		turn.Content = fmt.Sprintf("Connected to agent of %s", def.Name)
		return nil
	case realtime.FunctionFallbackToRouter:
		c.Push(c.catalog.routerID)
		turn.Content = "Returned to Router"
		return nil
	}

	fn, ok := c.catalog.tool(name)
	if !ok {
		turn.Content = fmt.Sprintf("Function %s is not available.", name)
		return fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	out, err := fn(ctx, argsOrEmpty(turn.FunctionArgs))
	if err != nil {
		turn.Content = fmt.Sprintf("Function %s failed: %s", name, err)
		return fmt.Errorf("invoking %s: %w", name, err)
	}
	turn.Content = out
	return nil
}

func argsOrEmpty(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}
