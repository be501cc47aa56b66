package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/goccy/go-yaml"
)

// ToolFunc runs a model-requested function. args is the raw JSON argument
// object; the returned string becomes the function output.
type ToolFunc func(ctx context.Context, args string) (string, error)

type agentDef struct {
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	Description  string                 `yaml:"description"`
	Instructions string                 `yaml:"instructions"`
	Model        string                 `yaml:"model"`
	Functions    []realtime.FunctionDef `yaml:"functions"`
}

type catalogFile struct {
	RouterID string      `yaml:"router_id"`
	Agents   []agentDef `yaml:"agents"`
}

// Catalog is a static set of agents loaded from YAML. One of them is the
// router, which owns route_to_agent; every other agent can fall back to it.
type Catalog struct {
	routerID string
	agents   map[string]agentDef
	order    []string

	mu    sync.RWMutex
	tools map[string]ToolFunc
}

var _ realtime.Routing = (*Catalog)(nil)

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing agent catalog: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, errors.New("agent catalog is empty")
	}
	c := &Catalog{
		routerID: strings.TrimSpace(file.RouterID),
		agents:   make(map[string]agentDef, len(file.Agents)),
		tools:    map[string]ToolFunc{},
	}
	for _, a := range file.Agents {
		if a.ID == "" {
			return nil, errors.New("agent without id")
		}
		if _, dup := c.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		c.agents[a.ID] = a
		c.order = append(c.order, a.ID)
	}
	if c.routerID == "" {
		c.routerID = c.order[0]
	}
	if _, ok := c.agents[c.routerID]; !ok {
		return nil, fmt.Errorf("router %q is not in the catalog", c.routerID)
	}
	return c, nil
}

func (c *Catalog) RouterID() string {
	return c.routerID
}

// Register binds a tool function name. A later registration of the same
// name wins.
func (c *Catalog) Register(name string, fn ToolFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[name] = fn
}

func (c *Catalog) tool(name string) (ToolFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.tools[name]
	return fn, ok
}

func (c *Catalog) LoadAgent(_ context.Context, id string) (realtime.Agent, error) {
	def, ok := c.agents[id]
	if !ok {
		return realtime.Agent{}, fmt.Errorf("%w: %s", shared.ErrAgentNotFound, id)
	}
	return realtime.Agent{
		ID:           def.ID,
		Name:         def.Name,
		Instructions: def.Instructions,
		Model:        def.Model,
		Functions:    c.functionsFor(def),
	}, nil
}

// resolve finds an agent by id, then by case-insensitive name.
func (c *Catalog) resolve(nameOrID string) (agentDef, bool) {
	nameOrID = strings.TrimSpace(nameOrID)
	if def, ok := c.agents[nameOrID]; ok {
		return def, true
	}
	for _, id := range c.order {
		if strings.EqualFold(c.agents[id].Name, nameOrID) {
			return c.agents[id], true
		}
	}
	return agentDef{}, false
}

func (c *Catalog) functionsFor(def agentDef) []realtime.FunctionDef {
	fns := make([]realtime.FunctionDef, 0, len(def.Functions)+1)
	fns = append(fns, def.Functions...)
	if def.ID == c.routerID {
		return append(fns, c.routeToAgentDef())
	}
	return append(fns, fallbackDef())
}

func (c *Catalog) routeToAgentDef() realtime.FunctionDef {
	names := make([]any, 0, len(c.order))
	var desc strings.Builder
	desc.WriteString("Route the conversation to the agent best suited for the user's request.")
	for _, id := range c.order {
		if id == c.routerID {
			continue
		}
		a := c.agents[id]
		names = append(names, a.Name)
		if a.Description != "" {
			fmt.Fprintf(&desc, "\n- %s: %s", a.Name, a.Description)
		}
	}
	return realtime.FunctionDef{
		Name:        realtime.FunctionRouteToAgent,
		Description: desc.String(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{"type": "string", "enum": names},
				"reason":     map[string]any{"type": "string"},
			},
			"required": []any{"agent_name"},
		},
	}
}

func fallbackDef() realtime.FunctionDef {
	return realtime.FunctionDef{
		Name:        realtime.FunctionFallbackToRouter,
		Description: "Hand the conversation back to the router when the user's request is outside this agent's scope.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string"},
			},
			"required": []any{"reason"},
		},
	}
}

func (c *Catalog) NewContext(conversationID string) realtime.RoutingContext {
	return &Context{catalog: c, conversationID: conversationID}
}
