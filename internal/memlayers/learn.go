package memlayers

import (
	"regexp"
	"strings"

	"github.com/andyrt/andy/internal/store"
)

var memoryTagPattern = regexp.MustCompile(`(?i)^memory:(user_model|procedural|semantic|episodic)\b`)

// preferencePattern matches English/Thai phrasing that implies a user-model
// write ("user prefers", "ผู้ใช้ชอบ", "user expertise").
var preferencePattern = regexp.MustCompile(`(?i)user prefers|user expertise|ผู้ใช้ชอบ`)

// proceduralPattern matches "when X then Y" / "ถ้า...ให้" conditional phrasing.
var proceduralPattern = regexp.MustCompile(`(?i)\bwhen\b.+\bthen\b|ถ้า.*ให้`)

// RouteLayer implements the learning router: explicit memory:* tags win,
// then content-shape heuristics, defaulting to semantic. The caller may
// always override by passing a non-empty explicit layer.
func RouteLayer(content string, explicit store.Layer) store.Layer {
	if explicit != "" {
		return explicit
	}

	trimmed := strings.TrimSpace(content)
	if m := memoryTagPattern.FindStringSubmatch(trimmed); m != nil {
		return store.Layer(m[1])
	}

	switch {
	case preferencePattern.MatchString(trimmed):
		return store.LayerUserModel
	case proceduralPattern.MatchString(trimmed):
		return store.LayerProcedural
	default:
		return store.LayerSemantic
	}
}
