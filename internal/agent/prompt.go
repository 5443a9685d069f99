package agent

import (
	"fmt"
	"strings"

	"github.com/gabelul/autocoder/embed/prompts"
	"github.com/gabelul/autocoder/pkg/models"
)

// BuildPrompt renders the instructions handed to the agent for a feature.
func BuildPrompt(f *models.Feature) string {
	var sb strings.Builder
	sb.WriteString(prompts.Header)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("# Feature #%d: %s\n\n", f.ID, f.Name))
	if f.Category != "" {
		sb.WriteString(fmt.Sprintf("Category: %s\n\n", f.Category))
	}
	sb.WriteString(fmt.Sprintf("## Description\n%s\n\n", f.Description))
	if len(f.Steps) > 0 {
		sb.WriteString("## Acceptance steps\n")
		for i, step := range f.Steps {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
		}
		sb.WriteString("\n")
	}
	if f.Attempts > 0 && f.LastError != nil && *f.LastError != "" {
		sb.WriteString(fmt.Sprintf("## Previous attempt %d failed\n%s\n\n", f.Attempts, *f.LastError))
	}
	sb.WriteString(prompts.Footer)
	return sb.String()
}
