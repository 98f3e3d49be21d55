package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openmined/flowmesh/pkg/models"
)

var ErrUnknownTarget = errors.New("unknown target")

const (
	tokenAll          = "all"
	tokenAllDatasites = "{datasites[*]}"
	tokenCurrent      = "{datasite.current}"
	datasitePrefix    = "{datasites["
	datasiteSuffix    = "]}"
)

// Roster is the per-session lookup table from spec-level tokens (group
// names, roles, datasite placeholders) to concrete participant identities.
// It is built once per session from the frozen FlowSpec, so every target
// reference is validated exhaustively at session-creation time rather than
// on each evaluation.
type Roster struct {
	self         string
	participants []models.Participant
	groups       map[string][]string
	placeholders map[string]string
}

// NewRoster builds the lookup table and validates that every target token
// the spec references resolves to at least one participant.
func NewRoster(spec *models.FlowSpec, participants []models.Participant, self string) (*Roster, error) {
	r := &Roster{
		self:         self,
		participants: participants,
		groups:       make(map[string][]string),
		placeholders: make(map[string]string),
	}

	all := make([]string, 0, len(participants))
	for _, p := range participants {
		all = append(all, p.Identity)
	}

	r.groups[tokenAll] = all

	// Role groups: each role maps to its holder; numbered roles also feed a
	// plural group (contributor1, contributor2 -> contributors).
	for _, p := range participants {
		r.groups[p.Role] = append(r.groups[p.Role], p.Identity)

		base := strings.TrimRight(p.Role, "0123456789")
		if base != p.Role {
			plural := base + "s"
			r.groups[plural] = append(r.groups[plural], p.Identity)
		}
	}

	// Spec placeholders from datasites.all bind by literal match first, then
	// by stable index.
	for i, placeholder := range spec.Datasites.All {
		if p := findParticipant(participants, placeholder); p != nil {
			r.placeholders[placeholder] = p.Identity
		} else if i < len(participants) {
			r.placeholders[placeholder] = participants[i].Identity
		}
	}

	// Spec-declared groups override role groups of the same name.
	for name, group := range spec.Datasites.Groups {
		members := make([]string, 0, len(group.Include))

		for _, token := range group.Include {
			resolved, err := r.resolveToken(token)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", name, err)
			}

			members = append(members, resolved...)
		}

		r.groups[name] = dedupe(members)
	}

	if err := r.validateReferences(spec); err != nil {
		return nil, err
	}

	return r, nil
}

// Resolve maps a target token to a sorted, deduplicated identity list. An
// unresolvable token is a FlowSpec validation error, not a runtime
// condition.
func (r *Roster) Resolve(token string) ([]string, error) {
	identities, err := r.resolveToken(token)
	if err != nil {
		return nil, err
	}

	return dedupe(identities), nil
}

// ResolveAll resolves a list of tokens into one combined identity set.
func (r *Roster) ResolveAll(tokens []string) ([]string, error) {
	combined := make([]string, 0, len(tokens))

	for _, token := range tokens {
		identities, err := r.resolveToken(token)
		if err != nil {
			return nil, err
		}

		combined = append(combined, identities...)
	}

	return dedupe(combined), nil
}

// Includes reports whether the identity is a member of the resolved token.
func (r *Roster) Includes(token, identity string) bool {
	identities, err := r.resolveToken(token)
	if err != nil {
		return false
	}

	for _, member := range identities {
		if strings.EqualFold(member, identity) {
			return true
		}
	}

	return false
}

// Self returns the local participant identity the roster was built for.
func (r *Roster) Self() string {
	return r.self
}

func (r *Roster) resolveToken(token string) ([]string, error) {
	t := strings.TrimSpace(token)
	if t == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnknownTarget)
	}

	switch {
	case strings.EqualFold(t, tokenAll) || t == tokenAllDatasites || t == "*":
		return r.groups[tokenAll], nil
	case t == tokenCurrent:
		return []string{r.self}, nil
	}

	if strings.HasPrefix(t, datasitePrefix) && strings.HasSuffix(t, datasiteSuffix) {
		return r.resolveIndexed(t)
	}

	if members, ok := r.groups[t]; ok {
		return members, nil
	}

	if identity, ok := r.placeholders[t]; ok {
		return []string{identity}, nil
	}

	if p := findParticipant(r.participants, t); p != nil {
		return []string{p.Identity}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, token)
}

func (r *Roster) resolveIndexed(token string) ([]string, error) {
	idxStr := token[len(datasitePrefix) : len(token)-len(datasiteSuffix)]

	var idx int
	if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, token)
	}

	if idx < 0 || idx >= len(r.participants) {
		return nil, fmt.Errorf("%w: %q out of range", ErrUnknownTarget, token)
	}

	return []string{r.participants[idx].Identity}, nil
}

// validateReferences resolves every token the spec mentions so that broken
// references surface at session creation, not mid-run.
func (r *Roster) validateReferences(spec *models.FlowSpec) error {
	for _, step := range spec.Steps {
		if step.Run != nil {
			if _, err := r.Resolve(step.Run.Targets); err != nil {
				return fmt.Errorf("step %s run.targets: %w", step.ID, err)
			}
		}

		if step.Barrier != nil {
			if _, err := r.Resolve(step.Barrier.Targets); err != nil {
				return fmt.Errorf("step %s barrier.targets: %w", step.ID, err)
			}
		}

		if step.Aggregate != nil {
			if _, err := r.Resolve(step.Aggregate.Contributors); err != nil {
				return fmt.Errorf("step %s aggregate.contributors: %w", step.ID, err)
			}
		}

		for name, share := range step.Share {
			if _, err := r.ResolveAll(share.Permissions.Read); err != nil {
				return fmt.Errorf("step %s share %s permissions.read: %w", step.ID, name, err)
			}
		}
	}

	return nil
}

func findParticipant(participants []models.Participant, identity string) *models.Participant {
	for i := range participants {
		if strings.EqualFold(participants[i].Identity, identity) {
			return &participants[i]
		}
	}

	return nil
}

func dedupe(identities []string) []string {
	seen := make(map[string]bool, len(identities))
	out := make([]string, 0, len(identities))

	for _, identity := range identities {
		key := strings.ToLower(identity)
		if seen[key] {
			continue
		}

		seen[key] = true
		out = append(out, identity)
	}

	sort.Strings(out)

	return out
}
