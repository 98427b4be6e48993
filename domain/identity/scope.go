package identity

// Scope is a conjunction of set-membership predicates over an event's
// attributes plus family-specific secondary keys. An empty set for a given
// dimension means "don't care" for that dimension; a Scope with every
// dimension empty is universal within its family (spec.md §4.1).
type Scope struct {
	SourceAgents map[AgentId]struct{}
	DestAgents   map[AgentId]struct{}
	Flows        map[FlowId]struct{}
	PayloadTypes map[string]struct{}
	Secondary    map[string]struct{} // family-specific key (tool/source/domain/image)
}

// NewScope builds a Scope from plain slices, which is the shape rule
// authors actually supply.
func NewScope(sourceAgents, destAgents []AgentId, flows []FlowId, payloadTypes, secondary []string) Scope {
	return Scope{
		SourceAgents: agentSet(sourceAgents),
		DestAgents:   agentSet(destAgents),
		Flows:        flowSet(flows),
		PayloadTypes: stringSet(payloadTypes),
		Secondary:    stringSet(secondary),
	}
}

func agentSet(items []AgentId) map[AgentId]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[AgentId]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func flowSet(items []FlowId) map[FlowId]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[FlowId]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func stringSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// IsGlobal reports whether every dimension of the scope is empty, meaning
// the rule applies to all events within its family.
func (s Scope) IsGlobal() bool {
	return len(s.SourceAgents) == 0 && len(s.DestAgents) == 0 &&
		len(s.Flows) == 0 && len(s.PayloadTypes) == 0 && len(s.Secondary) == 0
}

// EventAttributes carries the subset of an event's attributes Scope
// matching needs. The Evaluation Engine builds one of these once per event
// and reuses it across every rule in a layer.
type EventAttributes struct {
	SourceAgent  AgentId
	DestAgent    AgentId
	Flow         FlowId
	PayloadType  string
	SecondaryKey string
}

// Matches reports whether an event's attributes satisfy every non-empty
// dimension of the scope (spec.md §4.1: "for every non-empty set in the
// scope, the event's corresponding attribute is a member").
func (s Scope) Matches(attrs EventAttributes) bool {
	if !memberOrEmpty(s.SourceAgents, attrs.SourceAgent) {
		return false
	}
	if !memberOrEmpty(s.DestAgents, attrs.DestAgent) {
		return false
	}
	if !memberOrEmptyFlow(s.Flows, attrs.Flow) {
		return false
	}
	if !memberOrEmptyString(s.PayloadTypes, attrs.PayloadType) {
		return false
	}
	if !memberOrEmptyString(s.Secondary, attrs.SecondaryKey) {
		return false
	}
	return true
}

func memberOrEmpty(set map[AgentId]struct{}, v AgentId) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

func memberOrEmptyFlow(set map[FlowId]struct{}, v FlowId) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

func memberOrEmptyString(set map[string]struct{}, v string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

// Overlaps reports whether two scopes could both match the same event:
// for every dimension, the two sets either share an element or at least
// one is empty (spec.md §4.1). Used by bundle validation to reject
// same-priority conflicting rules.
func (a Scope) Overlaps(b Scope) bool {
	return overlapsAgent(a.SourceAgents, b.SourceAgents) &&
		overlapsAgent(a.DestAgents, b.DestAgents) &&
		overlapsFlow(a.Flows, b.Flows) &&
		overlapsString(a.PayloadTypes, b.PayloadTypes) &&
		overlapsString(a.Secondary, b.Secondary)
}

func overlapsAgent(a, b map[AgentId]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}

func overlapsFlow(a, b map[FlowId]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}

func overlapsString(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}
