// Package mapper translates external states, priorities and users into
// local equivalents using persisted mapping tables, and proposes
// best-effort automatic mappings at configuration time.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"conduit/internal/models"
	"conduit/internal/provider"
)

// Mapper resolves external vocabulary against the mapping tables frozen
// for one (connection, project) pair.
type Mapper struct {
	states     map[string]string // normalized external value -> local state id
	priorities map[string]string // normalized external value -> local priority
	users      map[string]string // external user id -> local user id

	skipPolicy    string
	importingUser string
}

// New builds a mapper from persisted mapping rows. Unmapped rows (empty
// local side) are deliberately absent from the lookup tables so they
// surface as unmapped at transform time.
func New(states []models.StateMapping, priorities []models.PriorityMapping, users []models.UserMapping) *Mapper {
	m := &Mapper{
		states:     make(map[string]string),
		priorities: make(map[string]string),
		users:      make(map[string]string),
		skipPolicy: models.SkipPolicyAssign,
	}
	for _, s := range states {
		if s.Mapped() {
			m.states[Normalize(s.ExternalValue)] = s.LocalStateID
		}
	}
	for _, p := range priorities {
		if p.Mapped() {
			m.priorities[Normalize(p.ExternalValue)] = p.LocalPriority
		}
	}
	for _, u := range users {
		if u.LocalUserID != "" {
			m.users[u.ExternalUserID] = u.LocalUserID
		}
	}
	return m
}

// WithUserPolicy sets the behavior for unmapped external users:
// SkipPolicyAssign falls back to the importing user, SkipPolicyFail
// makes MapUser return an error.
func (m *Mapper) WithUserPolicy(policy, importingUser string) *Mapper {
	m.skipPolicy = policy
	m.importingUser = importingUser
	return m
}

// MapState resolves an external state value. ok is false for unmapped
// values; the caller records them as job warnings rather than failing.
func (m *Mapper) MapState(external string) (string, bool) {
	id, ok := m.states[Normalize(external)]
	return id, ok
}

// MapPriority resolves an external priority value
func (m *Mapper) MapPriority(external string) (string, bool) {
	p, ok := m.priorities[Normalize(external)]
	return p, ok
}

// MapUser resolves an external user id according to the skip policy. An
// empty external user maps to no assignee without consulting the policy.
func (m *Mapper) MapUser(externalUserID string) (string, error) {
	if externalUserID == "" {
		return "", nil
	}
	if local, ok := m.users[externalUserID]; ok {
		return local, nil
	}
	if m.skipPolicy == models.SkipPolicyFail {
		return "", provider.NewError(provider.KindConfiguration, "mapper.map_user",
			fmt.Sprintf("external user %q has no local mapping", externalUserID), nil)
	}
	return m.importingUser, nil
}

// Transformed is the local form of one external entity, ready to push
type Transformed struct {
	ExternalID  string
	Kind        string
	Title       string
	Description string
	StateID     string
	Priority    string
	AssigneeID  string
	Labels      []string
	URL         string
	Revision    string
	Comments    []provider.RawComment

	// Unmapped lists the state/priority values that had no mapping.
	// Non-empty Unmapped blocks the job's transform stage but is not a
	// hard error.
	Unmapped []string
}

// Transform converts one raw entity. A malformed entity (missing title or
// external id) returns a validation error that fails only its batch;
// unmapped vocabulary is reported on the result instead.
func (m *Mapper) Transform(raw provider.RawEntity) (*Transformed, error) {
	if raw.ExternalID == "" {
		return nil, provider.NewError(provider.KindValidation, "mapper.transform", "entity has no external id", nil)
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, provider.NewError(provider.KindValidation, "mapper.transform",
			fmt.Sprintf("entity %s has no title", raw.ExternalID), nil)
	}

	t := &Transformed{
		ExternalID:  raw.ExternalID,
		Kind:        raw.Kind,
		Title:       raw.Title,
		Description: raw.Description,
		Labels:      raw.Labels,
		URL:         raw.URL,
		Revision:    raw.Revision,
		Comments:    raw.Comments,
	}

	if state, ok := m.MapState(raw.State); ok {
		t.StateID = state
	} else {
		t.Unmapped = append(t.Unmapped, "state:"+raw.State)
	}

	if raw.Priority == "" {
		t.Priority = models.PriorityNone
	} else if p, ok := m.MapPriority(raw.Priority); ok {
		t.Priority = p
	} else {
		t.Unmapped = append(t.Unmapped, "priority:"+raw.Priority)
	}

	assignee, err := m.MapUser(raw.AssigneeID)
	if err != nil {
		return nil, err
	}
	t.AssigneeID = assignee

	return t, nil
}

// EncodeTransformed serializes a transformed batch page for persistence
func EncodeTransformed(entities []Transformed) ([]byte, error) {
	return json.Marshal(entities)
}

// DecodeTransformed deserializes a persisted transformed page
func DecodeTransformed(raw []byte) ([]Transformed, error) {
	var entities []Transformed
	if len(raw) == 0 {
		return entities, nil
	}
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// Normalize canonicalizes a vocabulary value for lookup: lowercase,
// separators collapsed to single spaces.
func Normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.NewReplacer("-", " ", "_", " ", ":", " ").Replace(value)
	return strings.Join(strings.Fields(value), " ")
}

// stateSynonyms maps normalized external state names to local state groups
var stateSynonyms = map[string]string{
	"backlog":     models.StateGroupBacklog,
	"icebox":      models.StateGroupBacklog,
	"triage":      models.StateGroupBacklog,
	"todo":        models.StateGroupUnstarted,
	"to do":       models.StateGroupUnstarted,
	"open":        models.StateGroupUnstarted,
	"unstarted":   models.StateGroupUnstarted,
	"new":         models.StateGroupUnstarted,
	"in progress": models.StateGroupStarted,
	"started":     models.StateGroupStarted,
	"active":      models.StateGroupStarted,
	"doing":       models.StateGroupStarted,
	"in review":   models.StateGroupStarted,
	"done":        models.StateGroupCompleted,
	"completed":   models.StateGroupCompleted,
	"closed":      models.StateGroupCompleted,
	"resolved":    models.StateGroupCompleted,
	"merged":      models.StateGroupCompleted,
	"cancelled":   models.StateGroupCancelled,
	"canceled":    models.StateGroupCancelled,
	"wont do":     models.StateGroupCancelled,
	"wontfix":     models.StateGroupCancelled,
	"duplicate":   models.StateGroupCancelled,
}

// prioritySynonyms maps normalized external priority names to local priorities
var prioritySynonyms = map[string]string{
	"urgent":   models.PriorityUrgent,
	"critical": models.PriorityUrgent,
	"blocker":  models.PriorityUrgent,
	"highest":  models.PriorityUrgent,
	"p0":       models.PriorityUrgent,
	"high":     models.PriorityHigh,
	"major":    models.PriorityHigh,
	"p1":       models.PriorityHigh,
	"medium":   models.PriorityMedium,
	"normal":   models.PriorityMedium,
	"p2":       models.PriorityMedium,
	"low":      models.PriorityLow,
	"minor":    models.PriorityLow,
	"p3":       models.PriorityLow,
	"none":     models.PriorityNone,
	"trivial":  models.PriorityNone,
	"lowest":   models.PriorityNone,
	"p4":       models.PriorityNone,
}

// AutoMapStates proposes mappings from external state values onto local
// states. The heuristic is pure and deterministic: exact normalized name
// match first, then synonym match through state groups. Anything below
// that confidence lands in unmapped rather than being guessed.
func AutoMapStates(external []string, local []models.State) (mapped map[string]string, unmapped []string) {
	mapped = make(map[string]string)

	byName := make(map[string]string, len(local))
	byGroup := make(map[string][]models.State)
	for _, s := range local {
		byName[Normalize(s.Name)] = s.ID
		byGroup[s.Group] = append(byGroup[s.Group], s)
	}
	// Deterministic pick within a group: alphabetical by name
	for g := range byGroup {
		group := byGroup[g]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		byGroup[g] = group
	}

	for _, value := range external {
		norm := Normalize(value)
		if id, ok := byName[norm]; ok {
			mapped[value] = id
			continue
		}
		if group, ok := stateSynonyms[norm]; ok {
			if candidates := byGroup[group]; len(candidates) > 0 {
				mapped[value] = candidates[0].ID
				continue
			}
		}
		unmapped = append(unmapped, value)
	}
	return mapped, unmapped
}

// AutoMapPriorities proposes mappings from external priority values onto
// local priorities using the synonym table. "priority: high" style labels
// normalize down to their last word before lookup.
func AutoMapPriorities(external []string) (mapped map[string]string, unmapped []string) {
	mapped = make(map[string]string)
	for _, value := range external {
		norm := Normalize(value)
		if p, ok := prioritySynonyms[norm]; ok {
			mapped[value] = p
			continue
		}
		fields := strings.Fields(norm)
		if len(fields) > 1 {
			if p, ok := prioritySynonyms[fields[len(fields)-1]]; ok {
				mapped[value] = p
				continue
			}
		}
		unmapped = append(unmapped, value)
	}
	return mapped, unmapped
}
