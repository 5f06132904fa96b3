// Package chunker packs consecutive turns into token-bounded chunks with
// deterministic ids, recording turn range, time range, token estimate, and
// structural counts.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/entrolution/causantic/internal/parser"
	"github.com/entrolution/causantic/internal/store"
)

// Options tunes chunk packing.
type Options struct {
	// MaxTokens is the approximate token cap per chunk.
	MaxTokens int

	// IncludeThinking includes thinking blocks in chunk content.
	IncludeThinking bool

	// AgentID and SpawnDepth stamp sub-agent chunks.
	AgentID    string
	SpawnDepth int
}

// DefaultOptions returns the default packing configuration.
func DefaultOptions() Options {
	return Options{MaxTokens: 4096, IncludeThinking: true}
}

// Chunk packs a session's turns into chunks. Turns are never split: a turn
// larger than the cap becomes its own chunk.
func Chunk(session *parser.Session, turns []parser.Turn, opts Options) []*store.Chunk {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	var out []*store.Chunk
	var pending []parser.Turn
	pendingTokens := 0

	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, buildChunk(session, pending, opts))
		pending = nil
		pendingTokens = 0
	}

	for _, turn := range turns {
		text := renderTurn(turn, opts.IncludeThinking)
		tokens := EstimateTokens(text)
		if len(pending) > 0 && pendingTokens+tokens > opts.MaxTokens {
			flush()
		}
		pending = append(pending, turn)
		pendingTokens += tokens
	}
	flush()

	return out
}

// buildChunk assembles one chunk from a run of turns.
func buildChunk(session *parser.Session, turns []parser.Turn, opts Options) *store.Chunk {
	indices := make([]int, len(turns))
	var sb strings.Builder
	codeBlocks := 0
	toolUses := 0

	for i, turn := range turns {
		indices[i] = turn.Index
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(renderTurn(turn, opts.IncludeThinking))

		for _, b := range turn.AssistantBlocks {
			if b.Type == parser.BlockToolUse {
				toolUses++
			}
		}
	}

	content := sb.String()
	codeBlocks = strings.Count(content, "```") / 2

	start := turns[0].StartTime
	end := turns[len(turns)-1].EndTime
	if end.Before(start) {
		end = start
	}

	return &store.Chunk{
		ID:             ChunkID(session.SessionID, indices),
		SessionID:      session.SessionID,
		ProjectSlug:    session.ProjectSlug,
		ProjectPath:    session.ProjectPath,
		TurnIndices:    indices,
		StartTime:      start,
		EndTime:        end,
		Content:        content,
		ApproxTokens:   EstimateTokens(content),
		CodeBlockCount: codeBlocks,
		ToolUseCount:   toolUses,
		AgentID:        opts.AgentID,
		SpawnDepth:     opts.SpawnDepth,
	}
}

// renderTurn flattens a turn into chunk text.
func renderTurn(turn parser.Turn, includeThinking bool) string {
	var sb strings.Builder
	if turn.UserText != "" {
		sb.WriteString("User: ")
		sb.WriteString(turn.UserText)
	}
	for _, b := range turn.AssistantBlocks {
		switch b.Type {
		case parser.BlockText:
			if b.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("Assistant: ")
			sb.WriteString(b.Text)
		case parser.BlockThinking:
			if !includeThinking || b.Thinking == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("Thinking: ")
			sb.WriteString(b.Thinking)
		case parser.BlockToolUse:
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("Tool: ")
			sb.WriteString(b.ToolName)
			if len(b.ToolInput) > 0 {
				sb.WriteString(" ")
				sb.Write(b.ToolInput)
			}
		case parser.BlockToolResult:
			if b.Content == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("Tool result: ")
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

// ChunkID derives a stable 128-bit id from the session id and the ordered
// turn set, so re-ingesting the same turns yields the same chunk id.
func ChunkID(sessionID string, turnIndices []int) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	for _, idx := range turnIndices {
		fmt.Fprintf(h, ":%d", idx)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// EstimateTokens approximates the model token count of text.
// bytes/4 floored by the whitespace word count: monotone in byte length and
// within the contracted tolerance of BPE tokenizers on mixed prose and code.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byBytes := len(text) / 4
	words := len(strings.Fields(text))
	if words > byBytes {
		return words
	}
	if byBytes == 0 {
		return 1
	}
	return byBytes
}

// ContentHash returns the cryptographic digest of chunk text used as the
// embedding-cache key.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
