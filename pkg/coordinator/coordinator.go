package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/pkg/agent"
	"github.com/harun/reactor/pkg/llm"
	"github.com/harun/reactor/pkg/toolexecutor"
)

// TransferToolName is the synthetic tool injected into every agent
const TransferToolName = "transfer_to_agent"

// Handoff records one completed transfer between agents
type Handoff struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Coordinator routes a conversation across multiple agent loops. A
// transfer requested by the model is recorded during the turn and takes
// effect strictly between turns; because the loops share one memory
// manager, the newly active agent sees the full prior history.
type Coordinator struct {
	mu sync.Mutex

	loops  map[string]*agent.Loop
	active *agent.Loop

	pendingTarget string
	pendingReason string
	handoffs      []Handoff
}

// New creates a coordinator over the given loops. The first loop is
// active. The transfer tool is injected into every loop's tool set.
func New(loops ...*agent.Loop) (*Coordinator, error) {
	if len(loops) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	c := &Coordinator{
		loops:  make(map[string]*agent.Loop, len(loops)),
		active: loops[0],
	}

	for _, loop := range loops {
		if loop.Name() == "" {
			return nil, fmt.Errorf("agents must be named")
		}
		if _, exists := c.loops[loop.Name()]; exists {
			return nil, fmt.Errorf("duplicate agent name: %s", loop.Name())
		}
		c.loops[loop.Name()] = loop
	}

	for _, loop := range loops {
		if err := loop.Executor().RegisterTool(c.transferTool()); err != nil {
			return nil, fmt.Errorf("failed to inject transfer tool: %w", err)
		}
	}

	return c, nil
}

// transferTool only records a pending target; the swap happens after
// the current run completes
func (c *Coordinator) transferTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        TransferToolName,
		Description: "Transfer the conversation to another agent. The transfer takes effect after the current turn.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "agent", Type: "string", Description: "Name of the agent to transfer to", Required: true},
			{Name: "reason", Type: "string", Description: "Why the conversation is being transferred"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			target, _ := params["agent"].(string)
			reason, _ := params["reason"].(string)

			c.mu.Lock()
			defer c.mu.Unlock()

			if _, ok := c.loops[target]; !ok {
				return "", fmt.Errorf("unknown agent: %s", target)
			}

			c.pendingTarget = target
			c.pendingReason = reason
			return fmt.Sprintf("transfer to %q recorded; it takes effect after this turn", target), nil
		},
	}
}

// ActiveAgent returns the name of the currently active loop
func (c *Coordinator) ActiveAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Name()
}

// Handoffs returns the completed transfers, oldest first
func (c *Coordinator) Handoffs() []Handoff {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handoff, len(c.handoffs))
	copy(out, c.handoffs)
	return out
}

// Run executes one turn on the active agent and applies any recorded
// transfer afterwards
func (c *Coordinator) Run(ctx context.Context, prompt string) (*llm.Response, error) {
	resp, err := c.activeLoop().Run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	c.applyPendingTransfer()
	return resp, nil
}

// RunStream is the streaming variant of Run. The transfer, if any, is
// applied once the stream has drained.
func (c *Coordinator) RunStream(ctx context.Context, prompt string) <-chan agent.Event {
	inner := c.activeLoop().RunStream(ctx, prompt)
	events := make(chan agent.Event, 16)

	go func() {
		defer close(events)
		failed := false
		for event := range inner {
			if event.Err != nil {
				failed = true
			}
			events <- event
		}
		if !failed {
			c.applyPendingTransfer()
		}
	}()

	return events
}

// Resume re-enters an interrupted run on the active agent
func (c *Coordinator) Resume(ctx context.Context) (*llm.Response, error) {
	resp, err := c.activeLoop().Resume(ctx)
	if err != nil {
		return nil, err
	}
	c.applyPendingTransfer()
	return resp, nil
}

func (c *Coordinator) activeLoop() *agent.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) applyPendingTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingTarget == "" {
		return
	}

	from := c.active.Name()
	to := c.pendingTarget
	c.active = c.loops[to]
	c.pendingTarget = ""

	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("handoff-%d", len(c.handoffs)+1)
	}
	c.handoffs = append(c.handoffs, Handoff{
		ID:     id,
		From:   from,
		To:     to,
		Reason: c.pendingReason,
		At:     time.Now(),
	})
	c.pendingReason = ""

	log.Info().
		Str("from", from).
		Str("to", to).
		Msg("Conversation transferred")
}
