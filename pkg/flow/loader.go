// Package flow loads, validates and resolves declarative flow specs.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/openmined/flowmesh/pkg/models"
)

var (
	ErrDuplicateStepID  = errors.New("duplicate step id")
	ErrUnknownStepRef   = errors.New("reference to unknown step")
	ErrStepShape        = errors.New("step must declare exactly one of run or barrier")
	ErrSchemaViolation  = errors.New("flow document violates schema")
	ErrAggregateMissing = errors.New("aggregate step misconfigured")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a flow spec from a YAML file.
func Load(path string) (*models.FlowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse validates a YAML flow document against the schema, decodes it and
// runs the structural checks that do not need participant bindings.
// Target/group references are validated later, at session-creation time,
// once concrete identities exist.
func Parse(data []byte) (*models.FlowSpec, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow YAML: %w", err)
	}

	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	var spec models.FlowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode flow spec: %w", err)
	}

	if err := validate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("invalid flow spec: %w", err)
	}

	if err := checkSteps(&spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

func checkSchema(doc any) error {
	// gojsonschema wants JSON, the document arrives as YAML.
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to convert flow document to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(flowSchema),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(details, "; "))
}

func checkSteps(spec *models.FlowSpec) error {
	ids := make(map[string]bool, len(spec.Steps))
	for _, step := range spec.Steps {
		if ids[step.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}

		ids[step.ID] = true
	}

	for _, step := range spec.Steps {
		hasRun := step.Run != nil
		hasBarrier := step.Barrier != nil

		if hasRun == hasBarrier {
			return fmt.Errorf("%w: %s", ErrStepShape, step.ID)
		}

		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %s depends_on %s", ErrUnknownStepRef, step.ID, dep)
			}
		}

		if hasBarrier && !ids[step.Barrier.WaitFor] {
			return fmt.Errorf("%w: barrier %s waits for %s", ErrUnknownStepRef, step.ID, step.Barrier.WaitFor)
		}

		for _, ref := range step.InputRefs() {
			if !ids[ref.StepID] {
				return fmt.Errorf("%w: step %s consumes %s.%s", ErrUnknownStepRef, step.ID, ref.StepID, ref.Artifact)
			}
		}

		if step.IsAggregate() {
			if err := checkAggregate(spec, step, ids); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkAggregate(spec *models.FlowSpec, step *models.Step, ids map[string]bool) error {
	agg := step.Aggregate

	if !ids[agg.SourceStep] {
		return fmt.Errorf("%w: step %s aggregates unknown step %s", ErrUnknownStepRef, step.ID, agg.SourceStep)
	}

	source := spec.StepByID(agg.SourceStep)
	if _, ok := source.Share[agg.Artifact]; !ok {
		return fmt.Errorf("%w: step %s does not share artifact %s", ErrAggregateMissing, agg.SourceStep, agg.Artifact)
	}

	return nil
}
