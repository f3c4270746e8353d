package engine

import (
	"embed"
	"strings"
)

//go:embed prompts/*.md
var promptTemplatesFS embed.FS

const (
	goalPlaceholder     = "{{GOAL}}"
	planFilePlaceholder = "{{PLAN_FILE}}"
)

var (
	planTemplate  = mustTemplate("prompts/plan.md")
	buildTemplate = mustTemplate("prompts/build.md")
)

func mustTemplate(name string) string {
	data, err := promptTemplatesFS.ReadFile(name)
	if err != nil {
		panic("engine: missing embedded prompt template " + name)
	}
	return string(data)
}

// RenderPlanPrompt substitutes the goal and absolute plan-file path into
// the planning template. Substitution is literal string replacement, not
// template evaluation, so goal text containing template syntax passes
// through untouched.
func RenderPlanPrompt(goal, planPath string) string {
	return render(planTemplate, goal, planPath)
}

// RenderBuildPrompt substitutes the goal and absolute plan-file path into
// the build template. The rendered prompt is reused verbatim for every
// build iteration; only the conversation handle advances between turns.
func RenderBuildPrompt(goal, planPath string) string {
	return render(buildTemplate, goal, planPath)
}

func render(template, goal, planPath string) string {
	return strings.NewReplacer(
		goalPlaceholder, goal,
		planFilePlaceholder, planPath,
	).Replace(template)
}
