package prompt

import (
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Context assembles the variable set a template renders against for one
// work item. The changed document is reachable both as "document" and as
// the shorthand "doc"; scalar identifiers are exposed at the top level so
// the common key templates stay short.
func Context(item *models.WorkItem, agent *models.Agent) map[string]any {
	return map[string]any{
		"document":       item.Document,
		"doc":            item.Document,
		"document_id":    item.DocumentIDString(),
		"agent_id":       agent.ID,
		"agent_name":     agent.Name,
		"agent_revision": agent.Revision,
		"operation":      string(item.Operation),
		"trigger":        string(item.Trigger),
		"attempt":        item.Attempt,
		"now":            time.Now().UTC(),
	}
}

// ResultContext extends a render context with the parsed model result,
// used by policy conditions and post-write templates.
func ResultContext(base map[string]any, result any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["result"] = result
	return out
}
