// Package router addresses threads as named agents and delivers messages
// between them using interjection: a busy target's subprocess is pre-empted
// and the message is injected as a fresh user turn.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cumulus/internal/logging"
	"cumulus/internal/supervisor"
)

// ErrSelfSend rejects an agent naming itself as target.
var ErrSelfSend = errors.New("agent cannot send a message to itself")

// UnknownAgentError reports a delivery to a thread that does not exist. It
// carries the current agent list so the caller can auto-create and retry.
type UnknownAgentError struct {
	Target    string
	Available []string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("Agent %q not found", e.Target)
}

// Status is an agent's liveness.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
)

// Agent is one thread exposed as an addressable peer.
type Agent struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Router delivers inter-agent messages over the supervisor.
type Router struct {
	sup *supervisor.Supervisor
}

// New creates a router over a supervisor.
func New(sup *supervisor.Supervisor) *Router {
	return &Router{sup: sup}
}

// ListAgents returns every known thread with its liveness.
func (r *Router) ListAgents() []Agent {
	names := r.sup.Threads().Names()
	agents := make([]Agent, 0, len(names))
	for _, name := range names {
		status := StatusIdle
		if r.sup.IsStreaming(name) {
			status = StatusStreaming
		}
		agents = append(agents, Agent{Name: name, Status: status})
	}
	return agents
}

// CreateAgent ensures a thread exists. Returns false when it already did.
func (r *Router) CreateAgent(name string) (bool, error) {
	if _, ok := r.sup.Threads().Lookup(name); ok {
		return false, nil
	}
	if _, err := r.sup.Threads().Get(name); err != nil {
		return false, err
	}
	logging.Router("Created agent %q", name)
	return true, nil
}

// Deliver sends a message to an existing agent, interjecting if it is busy.
// Unknown targets are an error carrying the available agent list; callers
// may auto-create via CreateAgent and retry.
func (r *Router) Deliver(target, body, sender string) error {
	if target == sender {
		return ErrSelfSend
	}
	if _, ok := r.sup.Threads().Lookup(target); !ok {
		names := r.sup.Threads().Names()
		return &UnknownAgentError{Target: target, Available: names}
	}
	return r.inject(target, body, sender)
}

// InjectMessage delivers to a target, creating the thread if absent.
func (r *Router) InjectMessage(target, body, sender string) error {
	if target == sender {
		return ErrSelfSend
	}
	if _, err := r.sup.Threads().Get(target); err != nil {
		return err
	}
	return r.inject(target, body, sender)
}

// inject pre-empts any running subprocess, waits out the grace period, and
// resends the message as a fresh user turn. The send runs on its own
// goroutine: delivery is accepted, not awaited.
func (r *Router) inject(target, body, sender string) error {
	if r.sup.IsStreaming(target) {
		logging.Router("Interjecting: pre-empting live process on %q for message from %q", target, sender)
		r.sup.KillProcess(target)
		// The grace period lets the dying stream finalize; the injected turn
		// supersedes any pending state either way.
		time.Sleep(r.sup.Grace())
	}

	injected := fmt.Sprintf("[From agent %q]:\n%s\n\n"+
		"(Reply using send_to_agent(%q, your_response) to respond directly. "+
		"Be concise and task-focused — no pleasantries or sign-offs.)",
		sender, body, sender)

	go func() {
		if err := r.sup.SendMessage(context.Background(), target, injected, nil); err != nil {
			logging.Get(logging.CategoryRouter).Error("Injected send to %q failed: %v", target, err)
		}
	}()
	return nil
}
