package agents

import (
	"context"
	"errors"
	"testing"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
router_id: router
agents:
  - id: router
    name: Router
    instructions: Find out what the caller needs.
    model: gpt-realtime
  - id: billing
    name: Billing
    description: Invoices and payments.
    instructions: Help with invoices.
    model: gpt-4o
    functions:
      - name: lookup_invoice
        description: Look up an invoice by number.
        parameters:
          type: object
          properties:
            number:
              type: string
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	return c
}

func functionNames(fns []realtime.FunctionDef) []string {
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		names = append(names, fn.Name)
	}
	return names
}

func TestParseCatalog(t *testing.T) {
	c := newTestCatalog(t)
	assert.Equal(t, "router", c.RouterID())

	router, err := c.LoadAgent(context.Background(), "router")
	require.NoError(t, err)
	assert.Equal(t, []string{realtime.FunctionRouteToAgent}, functionNames(router.Functions))
	assert.Contains(t, router.Functions[0].Description, "Billing: Invoices and payments.")

	billing, err := c.LoadAgent(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", billing.Model)
	assert.Equal(t, []string{"lookup_invoice", realtime.FunctionFallbackToRouter}, functionNames(billing.Functions))
	assert.Equal(t, "object", billing.Functions[0].Parameters["type"])
}

func TestParseCatalogErrors(t *testing.T) {
	_, err := ParseCatalog([]byte("agents: []"))
	require.Error(t, err)

	_, err = ParseCatalog([]byte("router_id: nobody\nagents:\n  - id: a\n"))
	require.Error(t, err)

	_, err = ParseCatalog([]byte("agents:\n  - id: a\n  - id: a\n"))
	require.Error(t, err)
}

func TestLoadAgentNotFound(t *testing.T) {
	_, err := newTestCatalog(t).LoadAgent(context.Background(), "nobody")
	require.ErrorIs(t, err, shared.ErrAgentNotFound)
}

func TestContextRouting(t *testing.T) {
	ctx := context.Background()
	rc := newTestCatalog(t).NewContext("conv_1").(*Context)
	assert.Equal(t, "router", rc.GetCurrentAgentID())
	rc.Push("router")

	turn := realtime.Turn{FunctionName: realtime.FunctionRouteToAgent, FunctionArgs: `{"agent_name":"billing"}`}
	require.NoError(t, rc.InvokeFunction(ctx, turn.FunctionName, &turn))
	assert.Equal(t, "billing", rc.GetCurrentAgentID())
	assert.Equal(t, "Connected to agent of Billing", turn.Content)

	turn = realtime.Turn{FunctionName: realtime.FunctionFallbackToRouter, FunctionArgs: `{"reason":"weather"}`}
	require.NoError(t, rc.InvokeFunction(ctx, turn.FunctionName, &turn))
	assert.Equal(t, "router", rc.GetCurrentAgentID())
}

func TestContextRouteToUnknownAgent(t *testing.T) {
	rc := newTestCatalog(t).NewContext("conv_1")
	rc.Push("router")

	turn := realtime.Turn{FunctionArgs: `{"agent_name":"weather"}`}
	err := rc.InvokeFunction(context.Background(), realtime.FunctionRouteToAgent, &turn)
	require.ErrorIs(t, err, shared.ErrAgentNotFound)
	assert.Equal(t, "router", rc.GetCurrentAgentID())
	assert.NotEmpty(t, turn.Content)
}

func TestContextMalformedRouteArgs(t *testing.T) {
	rc := newTestCatalog(t).NewContext("conv_1")
	turn := realtime.Turn{FunctionArgs: `{"agent_name":`}
	err := rc.InvokeFunction(context.Background(), realtime.FunctionRouteToAgent, &turn)
	require.ErrorIs(t, err, shared.ErrMalformedFunctionArgs)
}

func TestContextTools(t *testing.T) {
	c := newTestCatalog(t)
	c.Register("lookup_invoice", func(_ context.Context, args string) (string, error) {
		return "invoice " + args, nil
	})
	c.Register("broken", func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	})
	rc := c.NewContext("conv_1")
	ctx := context.Background()

	turn := realtime.Turn{FunctionArgs: `{"number":"42"}`}
	require.NoError(t, rc.InvokeFunction(ctx, "lookup_invoice", &turn))
	assert.Equal(t, `invoice {"number":"42"}`, turn.Content)

	turn = realtime.Turn{}
	require.Error(t, rc.InvokeFunction(ctx, "broken", &turn))
	assert.Contains(t, turn.Content, "boom")

	turn = realtime.Turn{}
	require.ErrorIs(t, rc.InvokeFunction(ctx, "missing", &turn), ErrUnknownFunction)
}
