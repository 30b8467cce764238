package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planexec/planexec/pkg/models"
)

const basePlanSystem = `You are a task planner. Given an objective and a
manifest of callable tools, produce the smallest plan of tool invocations
that fulfils the objective. Rules:
- Use only tools from the manifest; never invent names.
- Steps that need the output of earlier steps must list those steps in
  dependsOnStepIds; independent steps must not.
- Dependencies may only reference earlier steps. No self references, no
  cycles.
- Prefer parallelizable plans: omit dependencies that are not genuinely
  required.
- draftArgs are a best-effort proposal; they will be refined later.
Reply via the emit_plan function only.`

const strictReplanClause = `Your previous plan referenced tools outside the
manifest or was empty. The ONLY legal aiName values are: %s. Any other
name is forbidden. Produce a corrected plan now.`

const strictDependencyClause = `Your previous plan contained invalid
dependencies: %s. Every dependsOnStepIds entry must name an EARLIER step's
stepId, never the step itself. Produce a corrected plan now.`

const fcPlanInstruction = `Output exactly one <plan>...</plan> block whose
body is the JSON object {"steps": [...]} described above. No other text.`

// buildSystemText composes the planner system prompt from the base
// template and the overlay stack.
func buildSystemText(overlays ...string) string {
	parts := []string{basePlanSystem}
	for _, o := range overlays {
		if strings.TrimSpace(o) != "" {
			parts = append(parts, strings.TrimSpace(o))
		}
	}
	return strings.Join(parts, "\n\n")
}

// renderManifest renders the bulleted tool manifest offered to the model.
func renderManifest(manifest []models.ToolDescriptor) string {
	var b strings.Builder
	for _, d := range manifest {
		fmt.Fprintf(&b, "- %s: %s", d.AIName, d.Description)
		if len(d.InputSchema) > 0 {
			var schema struct {
				Properties map[string]struct {
					Type        string `json:"type"`
					Description string `json:"description"`
				} `json:"properties"`
				Required []string `json:"required"`
			}
			if err := json.Unmarshal(d.InputSchema, &schema); err == nil && len(schema.Properties) > 0 {
				names := make([]string, 0, len(schema.Properties))
				for name := range schema.Properties {
					names = append(names, name)
				}
				fmt.Fprintf(&b, " (args: %s)", strings.Join(names, ", "))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// emitPlanSchema builds the emit_plan function schema with aiName
// constrained to the allowed set.
func emitPlanSchema(allowed []string, maxSteps int) json.RawMessage {
	stepSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"stepId":           map[string]any{"type": "string"},
			"aiName":           map[string]any{"type": "string", "enum": allowed},
			"reason":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"nextStep":         map[string]any{"type": "string"},
			"draftArgs":        map[string]any{"type": "object"},
			"dependsOnStepIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"aiName", "nextStep"},
	}
	stepsSchema := map[string]any{"type": "array", "items": stepSchema}
	if maxSteps > 0 {
		stepsSchema["maxItems"] = maxSteps
	}
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{"steps": stepsSchema},
		"required":   []string{"steps"},
	})
	return schema
}

var selectPlanSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"best": {"type": "integer", "description": "Zero-based index of the best candidate plan."},
		"reason": {"type": "string"}
	},
	"required": ["best"]
}`)

const auditSystem = `You audit candidate plans for the same objective and
pick the best one: correct tool choice, minimal steps, sound dependencies.
Reply via the select_plan function only.`

// extractPlanBlock pulls the JSON body out of a <plan> block for the raw
// fc strategy, tolerating replies without the wrapper tags.
func extractPlanBlock(content string) string {
	lower := strings.ToLower(content)
	start := strings.Index(lower, "<plan>")
	end := strings.LastIndex(lower, "</plan>")
	if start >= 0 && end > start {
		return strings.TrimSpace(content[start+len("<plan>") : end])
	}
	return content
}
