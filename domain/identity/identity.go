// Package identity defines the stable identifiers and the scope predicate
// that every other layer of the rule engine builds on: rules, bundles,
// versions, agents, flows and tenants all resolve through the types here.
package identity

import "fmt"

// RuleId is an opaque, bundle-unique identifier assigned by whoever authors
// a rule. It is never reused within a bundle.
type RuleId string

// BundleId is an opaque identifier for a bundle. A bundle's identity is the
// pair (BundleId, Version); Version increases strictly on every update.
type BundleId string

// VersionId names one staged or activated deployment of a bundle inside the
// Deployment Manager's version registry.
type VersionId string

// AgentId, FlowId and TenantId name the event-scoping dimensions used by
// Scope and by the Rule Table's secondary indices.
type AgentId string
type FlowId string
type TenantId string

// Layer is the total-ordered evaluation stage an event passes through.
// Evaluation always proceeds L0 -> L6.
type Layer int

const (
	LayerSystem Layer = iota
	LayerInput
	LayerPlanner
	LayerModelIO
	LayerToolGateway
	LayerRAG
	LayerEgress
)

var layerNames = [...]string{
	LayerSystem:      "L0-System",
	LayerInput:       "L1-Input",
	LayerPlanner:     "L2-Planner",
	LayerModelIO:     "L3-ModelIO",
	LayerToolGateway: "L4-ToolGateway",
	LayerRAG:         "L5-RAG",
	LayerEgress:      "L6-Egress",
}

// String renders the canonical "L{n}-Name" form used in logs and audit
// records.
func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return fmt.Sprintf("L?-Unknown(%d)", int(l))
	}
	return layerNames[l]
}

// Valid reports whether l is one of the seven defined layers.
func (l Layer) Valid() bool {
	return l >= LayerSystem && l <= LayerEgress
}

// Before reports whether l is evaluated strictly earlier than other.
func (l Layer) Before(other Layer) bool {
	return l < other
}

// SecondaryKeyKind names which event attribute feeds a family's secondary
// index, chosen per-family from the closed set below.
type SecondaryKeyKind string

const (
	SecondaryKeyNone   SecondaryKeyKind = ""
	SecondaryKeyTool   SecondaryKeyKind = "tool"
	SecondaryKeySource SecondaryKeyKind = "source"
	SecondaryKeyDomain SecondaryKeyKind = "domain"
	SecondaryKeyImage  SecondaryKeyKind = "image"
)

// RuleFamily is a (Layer, family-name) pair. The 14 families below are the
// closed enumeration spec.md §3 requires; each determines the
// SecondaryKeyKind its FamilyTable indexes on.
type RuleFamily struct {
	Layer  Layer
	Family string
}

func (f RuleFamily) String() string {
	return fmt.Sprintf("%s/%s", f.Layer, f.Family)
}

// Canonical family names. Families not listed here are still constructible
// (RuleFamily is a plain struct) but SecondaryKeyFor falls back to
// SecondaryKeyNone for anything outside this table, and bundle validation
// rejects unknown families.
const (
	FamilySystemPolicy      = "system-policy"
	FamilyInputSanitization = "input-sanitization"
	FamilyPlannerGuard      = "planner-guard"
	FamilyModelIOFilter     = "model-io-filter"
	FamilyToolGateway       = "tool-gateway"
	FamilyToolRateLimit     = "tool-rate-limit"
	FamilyRAGSource         = "rag-source"
	FamilyRAGContent        = "rag-content"
	FamilyNetworkEgress     = "network-egress"
	FamilySidecarImage      = "sidecar-image"
	FamilyDestAgentRoute    = "dest-agent-route"
	FamilyPayloadClass      = "payload-class"
	FamilyCallbackEndpoint  = "callback-endpoint"
	FamilyObservational     = "observational"
)

var familySecondaryKey = map[string]SecondaryKeyKind{
	FamilySystemPolicy:      SecondaryKeyNone,
	FamilyInputSanitization: SecondaryKeyNone,
	FamilyPlannerGuard:      SecondaryKeyNone,
	FamilyModelIOFilter:     SecondaryKeyNone,
	FamilyToolGateway:       SecondaryKeyTool,
	FamilyToolRateLimit:     SecondaryKeyTool,
	FamilyRAGSource:         SecondaryKeySource,
	FamilyRAGContent:        SecondaryKeySource,
	FamilyNetworkEgress:     SecondaryKeyDomain,
	FamilySidecarImage:      SecondaryKeyImage,
	FamilyDestAgentRoute:    SecondaryKeyNone,
	FamilyPayloadClass:      SecondaryKeyNone,
	FamilyCallbackEndpoint:  SecondaryKeyDomain,
	FamilyObservational:     SecondaryKeyNone,
}

// KnownFamilies lists the closed 14-family enumeration, in a stable order
// used by table-stats reporting.
var KnownFamilies = []string{
	FamilySystemPolicy, FamilyInputSanitization, FamilyPlannerGuard,
	FamilyModelIOFilter, FamilyToolGateway, FamilyToolRateLimit,
	FamilyRAGSource, FamilyRAGContent, FamilyNetworkEgress,
	FamilySidecarImage, FamilyDestAgentRoute, FamilyPayloadClass,
	FamilyCallbackEndpoint, FamilyObservational,
}

// SecondaryKeyFor returns the secondary-index kind for a family name, or
// SecondaryKeyNone if the family is not in the closed enumeration.
func SecondaryKeyFor(family string) SecondaryKeyKind {
	if kind, ok := familySecondaryKey[family]; ok {
		return kind
	}
	return SecondaryKeyNone
}

// IsKnownFamily reports whether family is one of the 14 recognized names.
func IsKnownFamily(family string) bool {
	_, ok := familySecondaryKey[family]
	return ok
}
