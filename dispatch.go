package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	FunctionRouteToAgent     = "route_to_agent"
	FunctionFallbackToRouter = "util-routing-fallback_to_router"
)

const (
	instructionToolOutput = "Reply based on the function's output."
	instructionRouteTo    = "Guide the user through the next steps of the process as this Agent (%s), following its instructions and operational procedures."
	instructionFallback   = "Check with user whether to proceed the new request: %s"
)

// FunctionCall is the parsed form of a model-emitted call. The set of
// variants is closed: RouteToAgentCall, FallbackToRouterCall, ToolCall.
type FunctionCall interface {
	functionName() string
}

type RouteToAgentCall struct {
	AgentName string `json:"agent_name"`
	Reason    string `json:"reason,omitempty"`
}

type FallbackToRouterCall struct {
	Reason string `json:"reason"`
}

type ToolCall struct {
	Name string
}

func (RouteToAgentCall) functionName() string     { return FunctionRouteToAgent }
func (FallbackToRouterCall) functionName() string { return FunctionFallbackToRouter }
func (c ToolCall) functionName() string           { return c.Name }

// ParseFunctionCall classifies turn. Malformed routing arguments yield a
// ToolCall together with an error wrapping shared.ErrMalformedFunctionArgs.
func ParseFunctionCall(turn Turn) (FunctionCall, error) {
	args := strings.TrimSpace(turn.FunctionArgs)
	if args == "" {
		args = "{}"
	}
	switch turn.FunctionName {
	case FunctionRouteToAgent:
		var call RouteToAgentCall
		if err := sonic.UnmarshalString(args, &call); err != nil {
			return ToolCall{Name: turn.FunctionName}, fmt.Errorf("%w: %s: %w", shared.ErrMalformedFunctionArgs, turn.FunctionName, err)
		}
		if strings.TrimSpace(call.AgentName) == "" {
			return ToolCall{Name: turn.FunctionName}, fmt.Errorf("%w: %s: missing agent_name", shared.ErrMalformedFunctionArgs, turn.FunctionName)
		}
		return call, nil
	case FunctionFallbackToRouter:
		var call FallbackToRouterCall
		if err := sonic.UnmarshalString(args, &call); err != nil {
			return ToolCall{Name: turn.FunctionName}, fmt.Errorf("%w: %s: %w", shared.ErrMalformedFunctionArgs, turn.FunctionName, err)
		}
		return call, nil
	default:
		return ToolCall{Name: turn.FunctionName}, nil
	}
}

// dispatchScope is the slice of session state a dispatch may touch.
type dispatchScope struct {
	state         *SessionState
	agent         *Agent
	turnDetection bool
}

// FunctionDispatcher applies the side effects of function calls and resumes
// inference. It runs inside the session loop.
type FunctionDispatcher struct {
	logger  shared.LoggerAdapter
	conn    ModelConnection
	routing RoutingContext
	agents  Routing
}

func NewFunctionDispatcher(logger shared.LoggerAdapter, conn ModelConnection, routing RoutingContext, agents Routing) *FunctionDispatcher {
	return &FunctionDispatcher{logger: logger, conn: conn, routing: routing, agents: agents}
}

// Dispatch handles one function-call turn. Only provider failures are
// returned; they wrap shared.ErrProvider.
func (d *FunctionDispatcher) Dispatch(ctx context.Context, scope dispatchScope, turn Turn) error {
	ctx, span := tracer.Start(ctx, "dispatch function call")
	defer span.End()
	span.SetAttributes(attribute.String("function.name", turn.FunctionName))

	invokeErr := d.routing.InvokeFunction(ctx, turn.FunctionName, &turn)
	if invokeErr != nil {
		d.logger.Warn(
			"function invocation failed",
			zap.String("function", turn.FunctionName),
			zap.Error(invokeErr),
		)
	}
	turn.Role = RoleFunction

	call, err := ParseFunctionCall(turn)
	if err != nil {
		d.logger.Warn(
			"falling back to generic function dispatch",
			zap.String("function", turn.FunctionName),
			zap.String("args", turn.FunctionArgs),
			zap.Error(err),
		)
	} else if invokeErr != nil {
		// A handoff that did not happen is reported like any other output.
		call = ToolCall{Name: turn.FunctionName}
	}

	var instruction string
	switch c := call.(type) {
	case RouteToAgentCall:
		turn.Content = fmt.Sprintf("Connected to agent of %s", c.AgentName)
		if err := d.handoff(ctx, scope); err != nil {
			return err
		}
		instruction = fmt.Sprintf(instructionRouteTo, c.AgentName)
	case FallbackToRouterCall:
		turn.Content = fmt.Sprintf("Returned to Router due to %s", c.Reason)
		if err := d.handoff(ctx, scope); err != nil {
			return err
		}
		instruction = fmt.Sprintf(instructionFallback, c.Reason)
	case ToolCall:
		instruction = instructionToolOutput
	default:
		panic(fmt.Sprintf("unhandled function call variant %T", call))
	}

	turn.CurrentAgentID = scope.state.CurrentAgentID
	scope.state.AppendDialog(turn)

	if err := d.conn.InsertConversationItem(ctx, turn); err != nil {
		return fmt.Errorf("%w: inserting function result: %w", shared.ErrProvider, err)
	}
	if err := d.conn.TriggerModelInference(ctx, instruction); err != nil {
		return fmt.Errorf("%w: triggering inference: %w", shared.ErrProvider, err)
	}
	return nil
}

// handoff adopts the agent the routing context now points at and pushes the
// new session configuration upstream.
func (d *FunctionDispatcher) handoff(ctx context.Context, scope dispatchScope) error {
	agentID := d.routing.GetCurrentAgentID()
	if agentID != "" && agentID != scope.state.CurrentAgentID {
		agent, err := d.agents.LoadAgent(ctx, agentID)
		if err != nil {
			d.logger.Error("loading handoff agent, keeping previous configuration", err, zap.String("agent_id", agentID))
		} else {
			*scope.agent = agent
		}
		d.logger.Info(
			"agent handoff",
			zap.String("from", scope.state.CurrentAgentID),
			zap.String("to", agentID),
		)
		scope.state.CurrentAgentID = agentID
	}
	if err := d.conn.UpdateSession(ctx, sessionRefFor(scope.state, *scope.agent), scope.turnDetection); err != nil {
		return fmt.Errorf("%w: updating session: %w", shared.ErrProvider, err)
	}
	return nil
}

func sessionRefFor(state *SessionState, agent Agent) SessionRef {
	return SessionRef{
		ConversationID: state.ConversationID,
		AgentID:        state.CurrentAgentID,
		Model:          state.ModelName,
		Instructions:   agent.Instructions,
		Functions:      agent.Functions,
	}
}
