package engine

import (
	"context"
	"encoding/json"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

// Planner chooses the next action for a session: a tool call or a reply.
type Planner interface {
	Decide(ctx context.Context, req DecideRequest) (Decision, error)
}

// Tool performs the work of one pipeline step.
type Tool interface {
	Invoke(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// Classifier interprets a user's reply at an approval gate.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Verdict, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req DecideRequest) (Decision, error)

func (f PlannerFunc) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	return f(ctx, req)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, req ToolRequest) (ToolResult, error)

func (f ToolFunc) Invoke(ctx context.Context, req ToolRequest) (ToolResult, error) {
	return f(ctx, req)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req ClassifyRequest) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, req ClassifyRequest) (Verdict, error) {
	return f(ctx, req)
}

// Revision asks the planner to redo a step that the user rejected.
type Revision struct {
	Step           workflow.Step       `json:"step"`
	Feedback       string              `json:"feedback"`
	PreviousTool   string              `json:"previous_tool,omitempty"`
	PreviousArgs   json.RawMessage     `json:"previous_args,omitempty"`
	PreviousOutput workflow.StepOutput `json:"previous_output"`
}

type DecideRequest struct {
	Session      session.Context      `json:"session"`
	Step         workflow.Step        `json:"step"`
	AllowedTools []ToolDefinition     `json:"allowed_tools"`
	Conversation []checkpoint.Message `json:"conversation"`
	// Artifacts lists everything stored for the session, uploads included.
	Artifacts []string `json:"artifacts,omitempty"`
	// Correction explains why the previous proposal was refused.
	Correction string    `json:"correction,omitempty"`
	Revision   *Revision `json:"revision,omitempty"`
}

type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Decision is either a tool call or a plain reply. Text may accompany a call.
type Decision struct {
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Text     string    `json:"text,omitempty"`
}

type ToolRequest struct {
	Session   session.Context                       `json:"session"`
	Step      workflow.Step                         `json:"step"`
	Tool      string                                `json:"tool"`
	Arguments json.RawMessage                       `json:"arguments"`
	Artifacts []string                              `json:"artifacts,omitempty"`
	Outputs   map[workflow.Step]workflow.StepOutput `json:"outputs,omitempty"`
}

// ToolResult is either Success or Failure.
type ToolResult interface {
	toolResult()
}

// Produced is one piece of content a tool hands back for storage.
type Produced struct {
	Kind artifact.Kind `json:"kind"`
	Name string        `json:"name,omitempty"`
	MIME string        `json:"mime,omitempty"`
	Data []byte        `json:"data,omitempty"`
	// Path is for in-process tools that wrote to local disk. It never
	// travels over the wire.
	Path string `json:"-"`
}

type Success struct {
	Artifacts []Produced `json:"artifacts"`
	Message   string     `json:"message,omitempty"`
}

type Failure struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (Success) toolResult() {}
func (Failure) toolResult() {}

type VerdictKind string

const (
	VerdictApproved VerdictKind = "approved"
	VerdictRejected VerdictKind = "rejected_with_feedback"
	VerdictUnclear  VerdictKind = "unclear"
)

type Verdict struct {
	Kind     VerdictKind `json:"kind"`
	Feedback string      `json:"feedback,omitempty"`
}

type ClassifyRequest struct {
	Session session.Context     `json:"session"`
	Step    workflow.Step       `json:"step"`
	Reply   string              `json:"reply"`
	Output  workflow.StepOutput `json:"output"`
}

// Upload is a user-supplied file forwarded to the artifact store before the
// turn is processed.
type Upload struct {
	Filename string
	Data     []byte
	MIME     string
}

type Status string

const (
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
)

type TurnResult struct {
	AssistantText string          `json:"assistant_text"`
	Artifacts     []string        `json:"artifacts"`
	Status        Status          `json:"status"`
	Step          workflow.Step   `json:"step"`
	Node          checkpoint.Node `json:"node"`
	// Checkpoint is the sequence number of the last checkpoint this turn wrote.
	Checkpoint uint64 `json:"checkpoint,omitempty"`
}

// ArtifactStore is the subset of the artifact store the engine writes to.
type ArtifactStore interface {
	Put(ctx context.Context, sessionID string, kind artifact.Kind, c artifact.Content) (string, error)
	Delete(ctx context.Context, id string) error
	ListForSession(ctx context.Context, sessionID string, kinds ...artifact.Kind) ([]string, error)
}
