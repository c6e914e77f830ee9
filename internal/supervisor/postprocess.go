package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cumulus/internal/logging"
	"cumulus/internal/thread"
)

// externalizeBlockBytes is the size past which a tool-result body is moved
// into the content store and replaced with a [STORED:<id>] sentinel before
// decoding.
const externalizeBlockBytes = 8192

// lineProcessor rewrites oversized blocks on each stream line. Blob writes
// are scheduled as per-line tasks on the group; the finalizer joins them
// before emitting stream-end.
type lineProcessor struct {
	content *thread.ContentStore
	tasks   *errgroup.Group
}

// process returns the line with oversized tool-result bodies externalized.
// Any failure passes the raw line through untouched.
func (p *lineProcessor) process(line []byte) []byte {
	if len(line) <= externalizeBlockBytes {
		return line
	}

	var m map[string]interface{}
	if err := json.Unmarshal(line, &m); err != nil {
		return line
	}

	changed := false

	// Top-level tool_result lines.
	if m["type"] == "tool_result" {
		if body, ok := m["content"].(string); ok && len(body) > externalizeBlockBytes {
			m["content"] = p.externalize(body)
			changed = true
		}
	}

	// Blocks inside assistant/user message lines.
	if msg, ok := m["message"].(map[string]interface{}); ok {
		if blocks, ok := msg["content"].([]interface{}); ok {
			for _, raw := range blocks {
				block, ok := raw.(map[string]interface{})
				if !ok || block["type"] != "tool_result" {
					continue
				}
				if body, ok := block["content"].(string); ok && len(body) > externalizeBlockBytes {
					block["content"] = p.externalize(body)
					changed = true
				}
			}
		}
	}

	if !changed {
		return line
	}
	out, err := json.Marshal(m)
	if err != nil {
		return line
	}
	return out
}

// externalize schedules the blob write and returns the sentinel that
// replaces the body inline.
func (p *lineProcessor) externalize(body string) string {
	id := uuid.NewString()
	p.tasks.Go(func() error {
		if err := p.content.PutWithID(id, []byte(body)); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("Failed to externalize stream block %s: %v", id, err)
		}
		return nil
	})
	logging.SupervisorDebug("Externalized %d-byte stream block as %s", len(body), id)
	return fmt.Sprintf("[STORED:%s]", id)
}
