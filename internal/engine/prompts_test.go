package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPlanPromptSubstitutesPlaceholders(t *testing.T) {
	t.Parallel()

	rendered := RenderPlanPrompt("add a health endpoint", "/state/-tmp-proj/PLAN.md")
	assert.Contains(t, rendered, "add a health endpoint")
	assert.Contains(t, rendered, "/state/-tmp-proj/PLAN.md")
	assert.NotContains(t, rendered, "{{GOAL}}")
	assert.NotContains(t, rendered, "{{PLAN_FILE}}")
	assert.Contains(t, rendered, "STATUS: READY")
}

func TestRenderBuildPromptSubstitutesPlaceholders(t *testing.T) {
	t.Parallel()

	rendered := RenderBuildPrompt("add a health endpoint", "/state/-tmp-proj/PLAN.md")
	assert.Contains(t, rendered, "add a health endpoint")
	assert.Contains(t, rendered, "/state/-tmp-proj/PLAN.md")
	assert.Contains(t, rendered, "STATUS: DONE")
}

func TestRenderIsLiteralNotTemplateEvaluation(t *testing.T) {
	t.Parallel()

	// Goal text that looks like template syntax must pass through intact.
	goal := "explain what {{ .Values }} means in helm charts"
	rendered := RenderPlanPrompt(goal, "/p/PLAN.md")
	assert.Contains(t, rendered, goal)
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()

	first := RenderBuildPrompt("goal", "/p/PLAN.md")
	second := RenderBuildPrompt("goal", "/p/PLAN.md")
	assert.Equal(t, first, second)
	assert.Greater(t, len(strings.TrimSpace(first)), 0)
}
