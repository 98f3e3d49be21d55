// Package template resolves the brace placeholders used in flow path and URL
// templates.
package template

import (
	"strconv"
	"strings"
)

// Values carries the identity-and-run context placeholders are resolved
// against. StepNumber and StepID are only meaningful inside a step scope.
type Values struct {
	CurrentDatasite string
	FlowName        string
	RunID           string
	StepNumber      int
	StepID          string
	Vars            map[string]string
}

// Resolve substitutes {datasite.current}, {flow_name}, {run_id},
// {step.number}, {step.id} and {vars.<name>} in the input. Unknown
// placeholders are left untouched so they fail visibly downstream instead of
// resolving to an empty path segment.
func Resolve(input string, values Values) string {
	pairs := []string{
		"{datasite.current}", values.CurrentDatasite,
		"{flow_name}", values.FlowName,
		"{run_id}", values.RunID,
		"{step.number}", strconv.Itoa(values.StepNumber),
		"{step.id}", values.StepID,
	}

	for name, value := range values.Vars {
		pairs = append(pairs, "{vars."+name+"}", value)
	}

	return strings.NewReplacer(pairs...).Replace(input)
}

// ResolveAll resolves every value of a template map, keeping keys as-is.
func ResolveAll(templates map[string]string, values Values) map[string]string {
	resolved := make(map[string]string, len(templates))
	for key, tpl := range templates {
		resolved[key] = Resolve(tpl, values)
	}

	return resolved
}
