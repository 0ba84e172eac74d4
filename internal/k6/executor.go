// Package k6 renders k6 scenarios and runs them.
package k6

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/inputs"
)

//go:embed templates/*.js.tmpl
var templateFS embed.FS

var scripts = template.Must(template.ParseFS(templateFS, "templates/*.js.tmpl"))

// InputType selects which prompt file a scenario replays.
type InputType string

const (
	ConstantTokens        InputType = config.InputConstantTokens
	SharegptConversations InputType = config.InputShareGPTConversations
)

// Filename is the prompt file read by the scenario.
func (t InputType) Filename() string {
	if t == ConstantTokens {
		return inputs.ConstantTokensFile
	}
	return inputs.VariableTokensFile
}

// Stage is one step of a ramping scenario.
type Stage struct {
	Target   int    `json:"target"`
	Duration string `json:"duration"`
}

// Executor is one k6 scenario with its variables.
type Executor struct {
	Name         string
	TemplateName string
	Variables    map[string]any
	InputType    InputType
	RenderedFile string
}

func newExecutor(name string, inputType InputType, vars map[string]any) *Executor {
	return &Executor{
		Name:         name,
		TemplateName: name + ".js.tmpl",
		Variables:    vars,
		InputType:    inputType,
	}
}

// NewConstantArrivalRate starts rate iterations per second for duration.
// preAllocatedVUs is also the VU ceiling.
func NewConstantArrivalRate(preAllocatedVUs, rate int, duration string, inputType InputType) *Executor {
	return newExecutor(config.TestConstantArrivalRate, inputType, map[string]any{
		"pre_allocated_vus": preAllocatedVUs,
		"rate":              rate,
		"duration":          duration,
	})
}

func NewRampingArrivalRate(preAllocatedVUs, startRate int, timeUnit string, stages []Stage, inputType InputType) *Executor {
	return newExecutor("ramping_arrival_rate", inputType, map[string]any{
		"pre_allocated_vus": preAllocatedVUs,
		"start_rate":        startRate,
		"time_unit":         timeUnit,
		"stages":            stages,
	})
}

func NewConstantVUs(vus int, duration string, inputType InputType) *Executor {
	return newExecutor(config.TestConstantVUs, inputType, map[string]any{
		"vus":      vus,
		"duration": duration,
	})
}

// Render writes the scenario script to a temporary file. cwd is where the
// prompt files live and where k6 runs.
func (e *Executor) Render(cwd, host string) error {
	data := make(map[string]any, len(e.Variables)+3)
	for k, v := range e.Variables {
		data[k] = v
	}
	data["cwd"] = cwd
	data["input_filename"] = e.InputType.Filename()
	data["host"] = host

	f, err := os.CreateTemp("", "benchmark*.js")
	if err != nil {
		return fmt.Errorf("k6: create script: %w", err)
	}
	defer f.Close()

	if err := scripts.ExecuteTemplate(f, e.TemplateName, data); err != nil {
		return fmt.Errorf("k6: render %s: %w", e.TemplateName, err)
	}
	e.RenderedFile = f.Name()
	return nil
}

// String names the scenario for output files, e.g.
// sharegpt_conversations_duration_60s_max_new_tokens_200_vus_40.
func (e *Executor) String() string {
	keys := make([]string, 0, len(e.Variables))
	for k, v := range e.Variables {
		switch v.(type) {
		case string, int:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s_%v", k, e.Variables[k]))
	}
	return string(e.InputType) + "_" + strings.Join(parts, "_")
}
