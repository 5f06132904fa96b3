package parser

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	cerr "github.com/entrolution/causantic/internal/errors"
)

const (
	// StreamThresholdBytes is the default size above which files are read
	// record-by-record to bound peak memory.
	StreamThresholdBytes = 10 * 1024 * 1024

	// maxLineBytes bounds a single transcript line.
	maxLineBytes = 16 * 1024 * 1024

	// deadEndLineThreshold: sub-agent files with fewer lines than this and
	// no user input are skipped as dead ends.
	deadEndLineThreshold = 3
)

// Options tunes parsing.
type Options struct {
	// KeepSidechains keeps records flagged as sidechains. Off by default;
	// progress markers carrying spawn/return events are kept regardless.
	KeepSidechains bool

	// KnownSlugs maps already-assigned slug -> project path, used to
	// disambiguate colliding slugs across the corpus.
	KnownSlugs map[string]string
}

// ParseFile parses a transcript file. Files above StreamThresholdBytes are
// streamed; smaller files go through the same scanner with the buffer
// pre-sized to the file.
func ParseFile(path string, opts Options) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindNotFound, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}

	bufSize := 64 * 1024
	if info.Size() < StreamThresholdBytes && info.Size() > 0 {
		// Small files: one buffer sized to the file avoids regrowth.
		bufSize = int(info.Size()) + 1
	}
	return parse(f, bufSize, opts)
}

// Parse parses a transcript from a reader.
func Parse(r io.Reader, opts Options) (*Session, error) {
	return parse(r, 64*1024, opts)
}

func parse(r io.Reader, bufSize int, opts Options) (*Session, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, bufSize), maxLineBytes)

	session := &Session{}

	type pendingTurn struct {
		turn Turn
		open bool
	}
	var current pendingTurn
	flush := func() {
		if current.open {
			session.Turns = append(session.Turns, current.turn)
			current = pendingTurn{}
		}
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Individual malformed lines are tolerated and skipped.
			slog.Debug("skipping_malformed_line", slog.Int("line", lineNo))
			continue
		}

		// Session identity and working directory come from the earliest
		// records that carry them.
		if session.SessionID == "" && rec.SessionID != "" {
			session.SessionID = rec.SessionID
		}
		if session.ProjectPath == "" && rec.CWD != "" {
			session.ProjectPath = rec.CWD
		}

		// Progress markers: keep only spawn/return events.
		if rec.Type == "progress" {
			if rec.Event == string(SpawnEventSpawn) || rec.Event == string(SpawnEventReturn) {
				turnIndex := len(session.Turns)
				if current.open {
					turnIndex = current.turn.Index
				} else if turnIndex > 0 {
					turnIndex--
				}
				session.Spawns = append(session.Spawns, SpawnEvent{
					Kind:       SpawnEventKind(rec.Event),
					TurnIndex:  turnIndex,
					AgentID:    rec.AgentID,
					AgentFile:  rec.AgentFile,
					SpawnDepth: rec.SpawnDepth,
				})
			}
			continue
		}

		// Sidechains are noise unless explicitly kept.
		if rec.Sidechain && !opts.KeepSidechains {
			continue
		}

		switch rec.role() {
		case "user":
			text := userText(rec.blocks())
			if text == "" {
				// Tool results come back as user-role records; attach them
				// to the open turn instead of starting a new one.
				if current.open {
					for _, b := range rec.blocks() {
						if b.Type == BlockToolResult {
							current.turn.AssistantBlocks = append(current.turn.AssistantBlocks, b)
						}
					}
					if !rec.Timestamp.IsZero() {
						current.turn.EndTime = rec.Timestamp
					}
				}
				continue
			}
			flush()
			current = pendingTurn{
				open: true,
				turn: Turn{
					Index:     len(session.Turns),
					StartTime: rec.Timestamp,
					EndTime:   rec.Timestamp,
					UserText:  text,
				},
			}

		case "assistant":
			if !current.open {
				// Assistant output with no preceding user message: start an
				// implicit turn so content is not lost.
				current = pendingTurn{
					open: true,
					turn: Turn{
						Index:     len(session.Turns),
						StartTime: rec.Timestamp,
						EndTime:   rec.Timestamp,
					},
				}
			}
			current.turn.AssistantBlocks = append(current.turn.AssistantBlocks, rec.blocks()...)
			if !rec.Timestamp.IsZero() {
				current.turn.EndTime = rec.Timestamp
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}
	if session.SessionID == "" {
		return nil, cerr.Invalid("transcript carries no session id")
	}

	session.ProjectSlug = DeriveSlug(session.ProjectPath, opts.KnownSlugs)
	return session, nil
}

// userText joins the text blocks of a user message.
func userText(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// DiscoverSubAgentFiles resolves the transcript paths referenced by a
// session's spawn events, relative to the parent transcript's directory.
// Dead-end files (fewer than a small line threshold and no user input) are
// skipped.
func DiscoverSubAgentFiles(parentPath string, session *Session) []string {
	dir := filepath.Dir(parentPath)
	seen := make(map[string]struct{})
	var out []string
	for _, sp := range session.Spawns {
		if sp.Kind != SpawnEventSpawn || sp.AgentFile == "" {
			continue
		}
		path := sp.AgentFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		if isDeadEndFile(path) {
			slog.Debug("skipping_dead_end_subagent", slog.String("file", path))
			continue
		}
		out = append(out, path)
	}
	return out
}

// isDeadEndFile reports whether a sub-agent transcript is too small to
// matter: under the line threshold with no user input.
func isDeadEndFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lines := 0
	hasUser := false
	for scanner.Scan() {
		lines++
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.role() == "user" && userText(rec.blocks()) != "" {
			hasUser = true
		}
		if lines >= deadEndLineThreshold && hasUser {
			return false
		}
	}
	return lines < deadEndLineThreshold && !hasUser
}
