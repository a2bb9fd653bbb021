package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionType is the closed set of collaborator kinds an action can target.
type ActionType string

const (
	// ActionTypeTool calls an external tool.
	ActionTypeTool ActionType = "tool"
	// ActionTypeAgent delegates to another agent.
	ActionTypeAgent ActionType = "agent"
	// ActionTypeRelic calls a long-lived service.
	ActionTypeRelic ActionType = "relic"
	// ActionTypeModel asks a model to generate text.
	ActionTypeModel ActionType = "model"
	// ActionTypeWorkflow runs a nested sub-workflow.
	ActionTypeWorkflow ActionType = "workflow"
)

// ActionTypes lists every supported action type in a stable order.
var ActionTypes = []ActionType{
	ActionTypeTool,
	ActionTypeAgent,
	ActionTypeRelic,
	ActionTypeModel,
	ActionTypeWorkflow,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ExecutionMode tags how the scheduler tracks an action.
type ExecutionMode string

const (
	// ModeSync actions gate their dependents and plan completion.
	ModeSync ExecutionMode = "sync"
	// ModeAsync is tracked exactly like ModeSync.
	ModeAsync ExecutionMode = "async"
	// ModeFireAndForget actions count as satisfied as soon as they launch.
	ModeFireAndForget ExecutionMode = "fire_and_forget"
)

// Duration is a time.Duration that decodes from Go duration strings ("5s")
// or from a number of seconds, in both JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML encodes the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		if dur, err := time.ParseDuration(v); err == nil {
			return Duration(dur), nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return Duration(secs * float64(time.Second)), nil
	case float64:
		return Duration(v * float64(time.Second)), nil
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// Action is one unit of work in a plan. Actions are values; the scheduler
// never mutates them.
type Action struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type        ActionType     `json:"type" yaml:"type" validate:"required,oneof=tool agent relic model workflow"`
	Mode        ExecutionMode  `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=sync async fire_and_forget"`
	Target      string         `json:"target" yaml:"target" validate:"required"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`
	OutputKey   string         `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	SkipOnError bool           `json:"skip_on_error,omitempty" yaml:"skip_on_error,omitempty"`
	// WaitForAll is reserved for multi-dependency join semantics. Every
	// dependency is currently awaited regardless of its value.
	WaitForAll bool `json:"wait_for_all,omitempty" yaml:"wait_for_all,omitempty"`
}

// DisplayName returns Name, falling back to the id.
func (a Action) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// EffectiveMode returns Mode, defaulting to ModeSync.
func (a Action) EffectiveMode() ExecutionMode {
	if a.Mode == "" {
		return ModeSync
	}
	return a.Mode
}

// IsFireAndForget reports whether the action never gates dependents.
func (a Action) IsFireAndForget() bool { return a.EffectiveMode() == ModeFireAndForget }

// ExecutionPlan is one iteration's dependency annotated set of actions.
type ExecutionPlan struct {
	AgentName   string   `json:"agent_name" yaml:"agent_name"`
	Iteration   int      `json:"iteration" yaml:"iteration" validate:"gte=0"`
	MaxParallel int      `json:"max_parallel" yaml:"max_parallel" validate:"gte=0"`
	FailFast    bool     `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	Actions     []Action `json:"actions" yaml:"actions" validate:"dive"`
}

// ActionIDs returns the ids of all actions in declaration order.
func (p *ExecutionPlan) ActionIDs() []string {
	ids := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		ids[i] = a.ID
	}
	return ids
}
