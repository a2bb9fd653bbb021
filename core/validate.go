package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// planValidate is the validator instance for plan datatypes.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
}

// ValidatePlan checks field level constraints of p and its actions (required
// ids and targets, known types and modes, non-negative timeouts). Graph level
// checks (duplicates, dangling dependencies, cycles) live in package graph.
func ValidatePlan(p *ExecutionPlan) error {
	if p == nil {
		return &PlanValidationError{Reason: "plan is nil", Err: ErrInvalidPlan}
	}
	err := planValidate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &PlanValidationError{
			Reason: fmt.Sprintf("field %s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
			Err:    ErrInvalidPlan,
		}
	}
	return &PlanValidationError{Reason: err.Error(), Err: ErrInvalidPlan}
}

// PlanSet is the on-disk form of a sequence of plans for one agent.
type PlanSet struct {
	Agent string          `json:"agent" yaml:"agent"`
	Plans []ExecutionPlan `json:"plans" yaml:"plans"`
}

// ParsePlans decodes YAML or JSON holding either a PlanSet or a single plan.
func ParsePlans(data []byte) (*PlanSet, error) {
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	set := &PlanSet{}
	if _, ok := probe["plans"]; ok {
		if err := yaml.Unmarshal(data, set); err != nil {
			return nil, fmt.Errorf("decode plans: %w", err)
		}
	} else {
		var plan ExecutionPlan
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		set.Agent = plan.AgentName
		set.Plans = []ExecutionPlan{plan}
	}

	for i := range set.Plans {
		if set.Plans[i].AgentName == "" {
			set.Plans[i].AgentName = set.Agent
		}
		if set.Plans[i].Iteration == 0 {
			set.Plans[i].Iteration = i + 1
		}
		if err := ValidatePlan(&set.Plans[i]); err != nil {
			return nil, fmt.Errorf("plan %d: %w", i+1, err)
		}
	}
	return set, nil
}

// LoadPlans reads and parses a plan file.
func LoadPlans(path string) (*PlanSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlans(data)
}
