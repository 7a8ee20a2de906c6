package models

// Role is a user's role. The hierarchy is a total order: each role includes
// the permissions of every role below it.
type Role string

const (
	RoleGuest      Role = "guest"
	RolePlayer     Role = "player"
	RoleCrewLeader Role = "crew_leader"
	RoleModerator  Role = "moderator"
	RoleOperator   Role = "operator"
	RoleAdmin      Role = "admin"
)

// roleRank encodes the total order exactly once.
var roleRank = map[Role]int{
	RoleGuest:      0,
	RolePlayer:     1,
	RoleCrewLeader: 2,
	RoleModerator:  3,
	RoleOperator:   4,
	RoleAdmin:      5,
}

// IsValid checks if the role is a known role.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r sits at or above other in the role hierarchy.
// Unknown roles rank below guest.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// GateState is the lifecycle state of a gate instance.
type GateState string

const (
	GateScheduled GateState = "scheduled"
	GateOpen      GateState = "open"
	GateClosing   GateState = "closing"
	GateResolved  GateState = "resolved"
	GateCancelled GateState = "cancelled"
)

// IsValid checks if the gate state is valid.
func (s GateState) IsValid() bool {
	switch s {
	case GateScheduled, GateOpen, GateClosing, GateResolved, GateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s GateState) Terminal() bool {
	return s == GateResolved || s == GateCancelled
}

// EvidenceGrade grades evidence items. The grade determines the TTL.
type EvidenceGrade string

const (
	GradeA EvidenceGrade = "A"
	GradeB EvidenceGrade = "B"
	GradeC EvidenceGrade = "C"
)

// IsValid checks if the grade is valid.
func (g EvidenceGrade) IsValid() bool {
	return g == GradeA || g == GradeB || g == GradeC
}

// RumorStatus is the lifecycle status of a rumor.
type RumorStatus string

const (
	RumorDraft    RumorStatus = "draft"
	RumorActive   RumorStatus = "active"
	RumorViral    RumorStatus = "viral"
	RumorDebunked RumorStatus = "debunked"
	RumorExpired  RumorStatus = "expired"
)

// IsValid checks if the rumor status is valid.
func (s RumorStatus) IsValid() bool {
	switch s {
	case RumorDraft, RumorActive, RumorViral, RumorDebunked, RumorExpired:
		return true
	default:
		return false
	}
}

// TraceType is the kind of trace left at a stage. The type determines the TTL.
type TraceType string

const (
	TraceFootprint TraceType = "footprint"
	TraceMark      TraceType = "mark"
	TraceMessage   TraceType = "message"
	TraceOffering  TraceType = "offering"
)

// IsValid checks if the trace type is valid.
func (t TraceType) IsValid() bool {
	switch t {
	case TraceFootprint, TraceMark, TraceMessage, TraceOffering:
		return true
	default:
		return false
	}
}

// Visibility controls who may discover a trace.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityCrew    Visibility = "crew"
	VisibilityPrivate Visibility = "private"
)

// IsValid checks if the visibility is valid.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityCrew || v == VisibilityPrivate
}

// CrewRole is a member's role within a crew. Exactly one leader per crew.
type CrewRole string

const (
	CrewLeader  CrewRole = "leader"
	CrewOfficer CrewRole = "officer"
	CrewMember  CrewRole = "member"
)

// IsValid checks if the crew role is valid.
func (r CrewRole) IsValid() bool {
	return r == CrewLeader || r == CrewOfficer || r == CrewMember
}

// ActionStatus is the lifecycle status of a collective crew action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionExpired    ActionStatus = "expired"
)

// IsValid checks if the action status is valid.
func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionPending, ActionInProgress, ActionCompleted, ActionFailed, ActionExpired:
		return true
	default:
		return false
	}
}

// PlanSource records whether a plan came from the scheduler or an operator.
type PlanSource string

const (
	PlanAuto     PlanSource = "auto"
	PlanOverride PlanSource = "override"
)

// HolderLost is the object-holder sentinel for objects with no current holder.
const HolderLost = "lost"
