// Package models defines the core domain models for multiparty flow orchestration.
package models

import (
	"fmt"
	"strings"
)

// FlowSpec is the declarative description of a multiparty flow. It is
// immutable once a Session captures a frozen copy of it.
type FlowSpec struct {
	Name      string            `json:"name"                yaml:"name"                validate:"required,min=3"`
	Version   string            `json:"version,omitempty"   yaml:"version,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"      yaml:"vars,omitempty"`
	Datasites Datasites         `json:"datasites"           yaml:"datasites"`
	Steps     []*Step           `json:"steps"               yaml:"steps"               validate:"required,min=1,dive"`
}

// Datasites declares the participant identities of a flow. Entries in All are
// spec-level placeholders bound to concrete identities at proposal time.
type Datasites struct {
	All    []string         `json:"all"              yaml:"all"    validate:"required,min=1"`
	Groups map[string]Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

type Group struct {
	Include []string `json:"include" yaml:"include" validate:"required,min=1"`
}

// Step is a single node of the flow DAG. Exactly one of Run or Barrier must
// be set; Aggregate marks a run step as a secure-aggregation step.
type Step struct {
	ID          string                `json:"id"                    yaml:"id"          validate:"required"`
	Name        string                `json:"name,omitempty"        yaml:"name,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Uses        string                `json:"uses,omitempty"        yaml:"uses,omitempty"`
	DependsOn   []string              `json:"depends_on,omitempty"  yaml:"depends_on,omitempty"`
	Run         *RunSpec              `json:"run,omitempty"         yaml:"run,omitempty"`
	Barrier     *BarrierSpec          `json:"barrier,omitempty"     yaml:"barrier,omitempty"`
	With        map[string]string     `json:"with,omitempty"        yaml:"with,omitempty"`
	Share       map[string]*ShareSpec `json:"share,omitempty"       yaml:"share,omitempty"`
	Aggregate   *AggregateSpec        `json:"aggregate,omitempty"   yaml:"aggregate,omitempty"`
}

type RunSpec struct {
	Targets  string `json:"targets"            yaml:"targets"            validate:"required"`
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,oneof=parallel sequential"`
}

// BarrierSpec declares a synchronization gate: the step completes once every
// identity in Targets reports WaitFor as Completed or Shared. Timeout is in
// seconds; zero means wait forever.
type BarrierSpec struct {
	WaitFor string `json:"wait_for"          yaml:"wait_for" validate:"required"`
	Targets string `json:"targets"           yaml:"targets"  validate:"required"`
	Timeout int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type ShareSpec struct {
	Source      string      `json:"source"        yaml:"source" validate:"required"`
	URL         string      `json:"url,omitempty" yaml:"url,omitempty"`
	Permissions Permissions `json:"permissions"   yaml:"permissions"`
}

type Permissions struct {
	Read []string `json:"read" yaml:"read" validate:"required,min=1"`
}

// AggregateSpec configures a secure-aggregation step. Quorum defaults to the
// full contributors group when zero.
type AggregateSpec struct {
	Contributors string `json:"contributors"       yaml:"contributors" validate:"required"`
	SourceStep   string `json:"source_step"        yaml:"source_step"  validate:"required"`
	Artifact     string `json:"artifact"           yaml:"artifact"     validate:"required"`
	Quorum       int    `json:"quorum,omitempty"   yaml:"quorum,omitempty"`
}

func (s *Step) IsBarrier() bool {
	return s.Barrier != nil
}

func (s *Step) IsAggregate() bool {
	return s.Aggregate != nil
}

func (s *Step) SharesOutput() bool {
	return len(s.Share) > 0
}

// Targets returns the role/group token the step runs on. Barrier steps gate
// every participant, so they carry no run targets of their own.
func (s *Step) Targets() string {
	if s.Run != nil {
		return s.Run.Targets
	}

	return ""
}

// InputRef points at an artifact another step shares, referenced from a
// step's `with` bindings as "{step.<step_id>.<artifact>}".
type InputRef struct {
	StepID   string
	Artifact string
}

// InputRefs extracts the cross-step artifact references from the step's
// `with` bindings.
func (s *Step) InputRefs() []InputRef {
	refs := make([]InputRef, 0)
	seen := make(map[InputRef]bool)

	for _, value := range s.With {
		ref, ok := parseInputRef(value)
		if !ok || seen[ref] {
			continue
		}

		seen[ref] = true
		refs = append(refs, ref)
	}

	return refs
}

func parseInputRef(value string) (InputRef, bool) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{step.") || !strings.HasSuffix(trimmed, "}") {
		return InputRef{}, false
	}

	inner := trimmed[len("{step.") : len(trimmed)-1]

	stepID, artifact, found := strings.Cut(inner, ".")
	if !found || stepID == "" || artifact == "" {
		return InputRef{}, false
	}

	return InputRef{StepID: stepID, Artifact: artifact}, true
}

// StepByID returns the step with the given id, or nil.
func (f *FlowSpec) StepByID(id string) *Step {
	for _, step := range f.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}

// StepNumber returns the 1-based position of a step, used for the shared
// "{n}-{step_id}" directory naming.
func (f *FlowSpec) StepNumber(id string) int {
	for i, step := range f.Steps {
		if step.ID == id {
			return i + 1
		}
	}

	return 0
}

// StepDirName is the shared directory name for a step's outputs.
func (f *FlowSpec) StepDirName(id string) string {
	return fmt.Sprintf("%d-%s", f.StepNumber(id), id)
}
