// Package prompts provides prompt management with embedded defaults and
// file overrides.
//
// Embedded .tmpl files in code are the source of truth for defaults. An
// operator can override any prompt by placing {key}.tmpl in the configured
// prompt directory; overrides are read on every resolve so edits apply to the
// next request without a restart.
package prompts

// ResolvedPrompt is the result of resolving a prompt key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	IsOverride bool     `json:"is_override"`
	Path       string   `json:"path,omitempty"` // override file, when IsOverride
	Hash       string   `json:"hash"`
}

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: report.section.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}
