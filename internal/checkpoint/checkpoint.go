// Package checkpoint is the append-only transition history of each session.
//
// Every engine transition appends one immutable Checkpoint carrying the
// resulting state snapshot, the ops that produced it and the message/tool-call
// trace. The log is the commit point of a turn and the source for resumption
// and replay.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/danshapiro/storytime/internal/workflow"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt reports a log that cannot be decoded or does not replay.
	ErrCorrupt = errors.New("checkpoint log corrupt")
)

// Node names where a session resumes after a checkpoint. Tool execution is
// never a resume point: its outcome is committed together with the node it
// leads to, so a record never says a tool is still running.
type Node string

const (
	NodeAgentDecide  Node = "agent_decide"
	NodeApprovalGate Node = "approval_gate"
	NodeTerminal     Node = "terminal"
)

func (n Node) Valid() bool {
	switch n {
	case NodeAgentDecide, NodeApprovalGate, NodeTerminal:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

type Message struct {
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

// ToolCallRecord is one invocation of a tool collaborator, including retries.
type ToolCallRecord struct {
	Tool        string          `json:"tool"`
	Step        workflow.Step   `json:"step"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	OK          bool            `json:"ok"`
	ArtifactIDs []string        `json:"artifact_ids,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
	Attempts    int             `json:"attempts"`
	Retries     int             `json:"retries"`
}

type Trace struct {
	Messages  []Message        `json:"messages,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Node      Node           `json:"node"`
	State     workflow.State `json:"state"`
	Ops       []workflow.Op  `json:"ops,omitempty"`
	Trace     Trace          `json:"trace"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log is the contract the engine depends on.
type Log interface {
	// Append records a transition and returns its sequence number. Sequence
	// numbers start at 1, are gap-free and never reused.
	Append(ctx context.Context, sessionID string, node Node, st workflow.State, ops []workflow.Op, trace Trace) (uint64, error)
	// List yields the session's checkpoints in sequence order. Each call starts
	// a fresh walk over the log.
	List(ctx context.Context, sessionID string) iter.Seq2[Checkpoint, error]
	Latest(ctx context.Context, sessionID string) (Checkpoint, bool, error)
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Checkpoint, error]) ([]Checkpoint, error) {
	var out []Checkpoint
	for cp, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, cp)
	}
	return out, nil
}
