// Package prompts holds the fixed text wrapped around each feature prompt.
package prompts

import _ "embed"

// Header opens every agent prompt with the worktree rules.
//
//go:embed header.md
var Header string

// Footer closes the prompt: tests must pass before the patch is handed to
// the merge gate.
//
//go:embed footer.md
var Footer string
