// Package parser reads newline-delimited JSON session transcripts and
// reconstructs the user/assistant turn sequence, filtering noise and
// deriving a stable project slug and session id.
package parser

import (
	"encoding/json"
	"time"
)

// BlockType tags the closed set of content-block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// Block is one content block inside a message. The field set is a tagged
// union: Text carries text/thinking content, the Tool* fields carry tool
// exchanges.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result payload
}

// record is one raw transcript line. Unknown fields are ignored.
type record struct {
	Type      string    `json:"type"` // user | assistant | progress
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	CWD       string    `json:"cwd"`
	Sidechain bool      `json:"isSidechain"`

	Message *struct {
		Role    string  `json:"role"`
		Content []Block `json:"content"`
	} `json:"message"`

	Content []Block `json:"content"`

	// Progress-marker fields for sub-agent spawn/return events.
	Event      string `json:"event"` // spawn | return
	AgentID    string `json:"agentId"`
	AgentFile  string `json:"agentFile"`
	SpawnDepth int    `json:"spawnDepth"`
}

// blocks returns the record's content blocks regardless of envelope shape.
func (r *record) blocks() []Block {
	if r.Message != nil {
		return r.Message.Content
	}
	return r.Content
}

// role returns the record's effective role.
func (r *record) role() string {
	if r.Role != "" {
		return r.Role
	}
	if r.Message != nil && r.Message.Role != "" {
		return r.Message.Role
	}
	return r.Type
}

// Turn pairs one user message with the subsequent run of assistant
// messages, including any tool exchanges within that run.
type Turn struct {
	Index           int
	StartTime       time.Time
	EndTime         time.Time
	UserText        string
	AssistantBlocks []Block
}

// SpawnEventKind distinguishes sub-agent spawn from return markers.
type SpawnEventKind string

const (
	SpawnEventSpawn  SpawnEventKind = "spawn"
	SpawnEventReturn SpawnEventKind = "return"
)

// SpawnEvent marks a sub-agent spawn or return observed in a parent
// transcript, anchored to the turn it occurred in.
type SpawnEvent struct {
	Kind       SpawnEventKind
	TurnIndex  int
	AgentID    string
	AgentFile  string
	SpawnDepth int
}

// Session is a fully parsed transcript.
type Session struct {
	SessionID   string
	ProjectPath string
	ProjectSlug string
	Turns       []Turn
	Spawns      []SpawnEvent
}
