package engine

import (
	"context"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/store"
)

// ReconstructSpec selects which slice of a project to reconstruct:
// exactly one of SessionID, PreviousSession, or a time range.
type ReconstructSpec struct {
	SessionID       string
	PreviousSession bool
	From, To        time.Time
}

// Reconstruct returns a project's chunks in chronological order, trimmed to
// the token budget. keepNewest drops the oldest chunks when trimming;
// otherwise the newest go.
func (e *Engine) Reconstruct(ctx context.Context, project string, spec ReconstructSpec, tokenBudget int, keepNewest bool) ([]*store.Chunk, error) {
	if project == "" {
		return nil, cerr.Invalid("project must not be empty")
	}

	var chunks []*store.Chunk
	var err error

	switch {
	case spec.SessionID != "":
		chunks, err = e.store.GetChunksBySession(ctx, spec.SessionID)
	case spec.PreviousSession:
		sessions, lerr := e.store.ListSessions(ctx, project, time.Time{}, time.Time{})
		if lerr != nil {
			return nil, lerr
		}
		if len(sessions) < 2 {
			return nil, cerr.NotFound("no previous session")
		}
		// Sessions come back newest first; the previous one is second.
		chunks, err = e.store.GetChunksBySession(ctx, sessions[1].SessionID)
	case !spec.From.IsZero() || !spec.To.IsZero():
		from := spec.From
		to := spec.To
		if to.IsZero() {
			to = time.Now()
		}
		chunks, err = e.store.GetChunksByTimeRange(ctx, project, from, to, store.TimeRangeOpts{})
	default:
		return nil, cerr.Invalid("reconstruct needs a session id, previous_session, or a time range")
	}
	if err != nil {
		return nil, err
	}

	// Scope to the requested project; session lookups can cross projects.
	filtered := chunks[:0]
	for _, c := range chunks {
		if c.ProjectSlug == project {
			filtered = append(filtered, c)
		}
	}
	chunks = filtered

	if len(chunks) == 0 {
		return nil, cerr.NotFound("no chunks match the reconstruction spec")
	}

	return trimToBudget(chunks, tokenBudget, keepNewest), nil
}

// trimToBudget drops chunks from one end until the token estimate fits.
// The returned order is always chronological.
func trimToBudget(chunks []*store.Chunk, tokenBudget int, keepNewest bool) []*store.Chunk {
	if tokenBudget <= 0 {
		return chunks
	}

	total := 0
	for _, c := range chunks {
		total += c.ApproxTokens
	}
	if total <= tokenBudget {
		return chunks
	}

	if keepNewest {
		// Walk backward keeping the newest chunks that fit.
		used := 0
		start := len(chunks)
		for i := len(chunks) - 1; i >= 0; i-- {
			if used+chunks[i].ApproxTokens > tokenBudget {
				break
			}
			used += chunks[i].ApproxTokens
			start = i
		}
		return chunks[start:]
	}

	used := 0
	end := 0
	for _, c := range chunks {
		if used+c.ApproxTokens > tokenBudget {
			break
		}
		used += c.ApproxTokens
		end++
	}
	return chunks[:end]
}
