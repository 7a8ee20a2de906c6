// Package models defines the entities shared by every engine. All entities
// are scoped to a theatre (one independent world) unless noted otherwise.
package models

import (
	"encoding/json"
	"time"
)

// Theatre is one independent world instance.
type Theatre struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	City             string    `db:"city" json:"city"`
	Timezone         string    `db:"timezone" json:"timezone"`
	BoundThemePackID string    `db:"bound_theme_pack_id" json:"bound_theme_pack_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// User is a platform account. The kernel and engines only ever need the ID
// and role; credentials live outside this module.
type User struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Role        Role      `db:"role" json:"role"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Stage is a geo-located playing area with three nested geofence rings.
// Ring radii are in meters and non-increasing: C >= B >= A.
type Stage struct {
	ID        string    `db:"id" json:"id"`
	TheatreID string    `db:"theatre_id" json:"theatre_id"`
	Name      string    `db:"name" json:"name"`
	Lat       float64   `db:"lat" json:"lat"`
	Lng       float64   `db:"lng" json:"lng"`
	RingCM    float64   `db:"ring_c_m" json:"ring_c_m"`
	RingBM    float64   `db:"ring_b_m" json:"ring_b_m"`
	RingAM    float64   `db:"ring_a_m" json:"ring_a_m"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WorldState is the current state of a theatre's world: variable values,
// story-thread progress, and object holders.
type WorldState struct {
	Variables map[string]float64     `json:"variables"`
	Threads   map[string]ThreadState `json:"threads"`
	Objects   map[string]string      `json:"objects"` // object id -> holder id (or "lost")
}

// ThreadState is the current state of one story thread.
type ThreadState struct {
	Phase          string    `json:"phase"`
	Progress       float64   `json:"progress"` // in [0,1]
	LastAdvancedAt time.Time `json:"last_advanced_at"`
}

// VarChange adjusts one world variable by Delta, clamped to the variable's
// declared range after applying.
type VarChange struct {
	VarID string  `json:"var_id"`
	Delta float64 `json:"delta"`
}

// ThreadChange moves a thread to a new phase and/or progress value.
type ThreadChange struct {
	ThreadID string   `json:"thread_id"`
	Phase    string   `json:"phase,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

// ObjectChange moves a key object to a new holder. When ExpectedFrom is set
// the change fails with a conflict unless the current holder matches.
type ObjectChange struct {
	ObjectID     string `json:"object_id"`
	ToHolder     string `json:"to_holder"`
	ExpectedFrom string `json:"expected_from,omitempty"`
}

// DeltaRequest is the input to the kernel's ApplyDelta.
type DeltaRequest struct {
	TheatreID      string         `json:"theatre_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Cause          string         `json:"cause"`
	VarChanges     []VarChange    `json:"var_changes,omitempty"`
	ThreadChanges  []ThreadChange `json:"thread_changes,omitempty"`
	ObjectChanges  []ObjectChange `json:"object_changes,omitempty"`
}

// AppliedDelta is the immutable record of an applied delta. Re-applying the
// same idempotency key returns the original record unchanged.
type AppliedDelta struct {
	ID             string         `db:"id" json:"id"`
	TheatreID      string         `db:"theatre_id" json:"theatre_id"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	Cause          string         `db:"cause" json:"cause"`
	VarChanges     []VarChange    `json:"var_changes,omitempty"`
	ThreadChanges  []ThreadChange `json:"thread_changes,omitempty"`
	ObjectChanges  []ObjectChange `json:"object_changes,omitempty"`
	AppliedAt      time.Time      `db:"applied_at" json:"applied_at"`
}

// Snapshot captures a theatre's full state at a point in time.
type Snapshot struct {
	ID        string     `db:"id" json:"id"`
	TheatreID string     `db:"theatre_id" json:"theatre_id"`
	TakenAt   time.Time  `db:"taken_at" json:"taken_at"`
	StateHash string     `db:"state_hash" json:"state_hash"`
	State     WorldState `json:"state"`
}

// Event is one append-only world event log entry. The event log is both the
// replay source for the kernel and the catchup source for realtime delivery.
type Event struct {
	ID              int64           `db:"id" json:"-"`
	EventID         string          `db:"event_id" json:"event_id"`
	TheatreID       string          `db:"theatre_id" json:"theatre_id"`
	At              time.Time       `db:"at" json:"at"`
	Kind            string          `db:"kind" json:"kind"`
	Target          EventTarget     `json:"target"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	ProducedByDelta string          `db:"produced_by_delta" json:"produced_by_delta,omitempty"`
}

// EventTarget selects the delivery audience. Dispatch picks the most
// specific non-empty selector: users > stage > theatre > global.
type EventTarget struct {
	UserIDs   []string `json:"user_ids,omitempty"`
	StageID   string   `json:"stage_id,omitempty"`
	TheatreID string   `json:"theatre_id,omitempty"`
}

// HourPlan is the scheduler's output for one slot.
type HourPlan struct {
	ID               string        `db:"id" json:"id"`
	TheatreID        string        `db:"theatre_id" json:"theatre_id"`
	SlotStart        time.Time     `db:"slot_start" json:"slot_start"`
	PrimaryThreadID  string        `db:"primary_thread_id" json:"primary_thread_id"`
	SupportThreadIDs []string      `json:"support_thread_ids,omitempty"`
	Beats            []PlannedBeat `json:"beats"`
	Gates            []PlannedGate `json:"gates,omitempty"`
	Note             string        `db:"note" json:"note,omitempty"`
	GeneratedAt      time.Time     `db:"generated_at" json:"generated_at"`
	Source           PlanSource    `db:"source" json:"source"`
}

// PlannedBeat is one stage-bound scene descriptor within a plan.
type PlannedBeat struct {
	BeatTemplateID string `json:"beat_template_id"`
	ThreadID       string `json:"thread_id"`
	StageID        string `json:"stage_id"`
	CameraStyle    string `json:"camera_style,omitempty"`
	Mood           string `json:"mood,omitempty"`
	Rescue         bool   `json:"rescue,omitempty"`
}

// PlannedGate is a gate instance scheduled by the planner, realized as a
// GateInstance when the plan is stored.
type PlannedGate struct {
	GateTemplateID string    `json:"gate_template_id"`
	BeatTemplateID string    `json:"beat_template_id"`
	StageID        string    `json:"stage_id,omitempty"`
	OpenAt         time.Time `json:"open_at"`
	CloseAt        time.Time `json:"close_at"`
	ResolveAt      time.Time `json:"resolve_at"`
}

// GateOption is one choosable outcome of a gate.
type GateOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GateInstance is a time-bounded decision market.
// Invariant: OpenAt < CloseAt <= ResolveAt.
type GateInstance struct {
	ID            string       `db:"id" json:"id"`
	TheatreID     string       `db:"theatre_id" json:"theatre_id"`
	SlotID        string       `db:"slot_id" json:"slot_id"`
	TemplateID    string       `db:"template_id" json:"template_id"`
	StageID       string       `db:"stage_id" json:"stage_id,omitempty"`
	Options       []GateOption `json:"options"`
	OpenAt        time.Time    `db:"open_at" json:"open_at"`
	CloseAt       time.Time    `db:"close_at" json:"close_at"`
	ResolveAt     time.Time    `db:"resolve_at" json:"resolve_at"`
	State         GateState    `db:"state" json:"state"`
	WinningOption string       `db:"winning_option" json:"winning_option,omitempty"`
	SettledAt     *time.Time   `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// Vote is a user's current vote on a gate. One live vote per (gate, user):
// re-casting supersedes the earlier vote in place.
type Vote struct {
	ID             string    `db:"id" json:"id"`
	GateID         string    `db:"gate_id" json:"gate_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	OptionID       string    `db:"option_id" json:"option_id"`
	CastAt         time.Time `db:"cast_at" json:"cast_at"`
	IdempotencyKey string    `db:"idempotency_key" json:"-"`
}

// Stake is a wager of tickets on a gate option. The amount is debited at
// place-time and held in escrow until the gate resolves or is cancelled.
type Stake struct {
	ID             string    `db:"id" json:"id"`
	GateID         string    `db:"gate_id" json:"gate_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	OptionID       string    `db:"option_id" json:"option_id"`
	Amount         int64     `db:"amount" json:"amount"`
	PlacedAt       time.Time `db:"placed_at" json:"placed_at"`
	IdempotencyKey string    `db:"idempotency_key" json:"-"`
}

// Settlement records one stake's payout (or refund) so retried resolutions
// never double-pay.
type Settlement struct {
	ID        string    `db:"id" json:"id"` // "settle:{gate}:{stake}" or "refund:{gate}:{stake}"
	GateID    string    `db:"gate_id" json:"gate_id"`
	StakeID   string    `db:"stake_id" json:"stake_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Amount    int64     `db:"amount" json:"amount"` // credited amount; zero for forfeits
	SettledAt time.Time `db:"settled_at" json:"settled_at"`
}

// Wallet holds a user's ticket balance within one theatre. Never negative.
type Wallet struct {
	UserID    string `db:"user_id" json:"user_id"`
	TheatreID string `db:"theatre_id" json:"theatre_id"`
	Balance   int64  `db:"ticket_balance" json:"ticket_balance"`
}

// ExplainCard is the human-readable receipt of a gate's outcome.
type ExplainCard struct {
	Title               string             `json:"title"`
	GateID              string             `json:"gate_id"`
	WinningOption       string             `json:"winning_option"`
	OptionTally         map[string]int     `json:"option_tally"`
	StakeTally          map[string]float64 `json:"stake_tally"` // weighted, per option
	EvidenceUsed        []string           `json:"evidence_used,omitempty"`
	ConsequencesApplied []string           `json:"consequences_applied,omitempty"`
	GeneratedAt         time.Time          `json:"generated_at"`
}

// Evidence is an owned item with a grade-determined TTL.
type Evidence struct {
	ID          string          `db:"id" json:"id"`
	TheatreID   string          `db:"theatre_id" json:"theatre_id"`
	OwnerID     string          `db:"owner_id" json:"owner_id"`
	Name        string          `db:"name" json:"name"`
	Grade       EvidenceGrade   `db:"grade" json:"grade"`
	Rarity      string          `db:"rarity" json:"rarity,omitempty"`
	Type        string          `db:"type" json:"type"`
	SourceScene string          `db:"source_scene" json:"source_scene,omitempty"`
	SourceStage string          `db:"source_stage" json:"source_stage,omitempty"`
	ObtainedAt  time.Time       `db:"obtained_at" json:"obtained_at"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expires_at"`
	Verified    bool            `db:"verified" json:"verified"`
	Tradeable   bool            `db:"tradeable" json:"tradeable"`
	Consumed    bool            `db:"consumed" json:"consumed"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// Expired reports whether the item is past its TTL at the given instant.
func (e *Evidence) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// EvidenceTransfer is the audit record of one ownership change.
type EvidenceTransfer struct {
	ID         string    `db:"id" json:"id"`
	EvidenceID string    `db:"evidence_id" json:"evidence_id"`
	FromUserID string    `db:"from_user_id" json:"from_user_id"`
	ToUserID   string    `db:"to_user_id" json:"to_user_id"`
	At         time.Time `db:"at" json:"at"`
}

// Rumor is a short published claim, spreadable and debunkable.
type Rumor struct {
	ID              string      `db:"id" json:"id"`
	TheatreID       string      `db:"theatre_id" json:"theatre_id"`
	AuthorID        string      `db:"author_id" json:"author_id"`
	Content         string      `db:"content" json:"content"` // <= 280 chars
	TargetThread    string      `db:"target_thread" json:"target_thread,omitempty"`
	TargetCharacter string      `db:"target_character" json:"target_character,omitempty"`
	Status          RumorStatus `db:"status" json:"status"`
	Credibility     float64     `db:"credibility" json:"credibility"` // in [0,1]
	SpreadCount     int         `db:"spread_count" json:"spread_count"`
	PublishedAt     *time.Time  `db:"published_at" json:"published_at,omitempty"`
	ExpiresAt       time.Time   `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// Spread is one user's spreading of a rumor. One per (rumor, spreader).
type Spread struct {
	ID         string    `db:"id" json:"id"`
	RumorID    string    `db:"rumor_id" json:"rumor_id"`
	SpreaderID string    `db:"spreader_id" json:"spreader_id"`
	StageID    string    `db:"stage_id" json:"stage_id,omitempty"`
	At         time.Time `db:"at" json:"at"`
}

// Trace is a stage-local discoverable marker left by a player.
type Trace struct {
	ID                  string     `db:"id" json:"id"`
	TheatreID           string     `db:"theatre_id" json:"theatre_id"`
	CreatorID           string     `db:"creator_id" json:"creator_id"`
	StageID             string     `db:"stage_id" json:"stage_id"`
	Type                TraceType  `db:"type" json:"type"`
	Content             string     `db:"content" json:"content,omitempty"`
	Visibility          Visibility `db:"visibility" json:"visibility"`
	DiscoveryDifficulty float64    `db:"discovery_difficulty" json:"discovery_difficulty"` // in [0,1]
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt           time.Time  `db:"expires_at" json:"expires_at"`
	DiscoveryCount      int        `db:"discovery_count" json:"discovery_count"`
}

// Discovery records one user's discovery attempt on a trace.
// One attempt per (trace, discoverer), successful or not.
type Discovery struct {
	ID           string    `db:"id" json:"id"`
	TraceID      string    `db:"trace_id" json:"trace_id"`
	DiscovererID string    `db:"discoverer_id" json:"discoverer_id"`
	Success      bool      `db:"success" json:"success"`
	At           time.Time `db:"at" json:"at"`
}

// Crew is a multi-player group. Tier sets the member cap and the allowed
// collective action set.
type Crew struct {
	ID                string    `db:"id" json:"id"`
	TheatreID         string    `db:"theatre_id" json:"theatre_id"`
	Name              string    `db:"name" json:"name"`
	Tier              int       `db:"tier" json:"tier"` // 1..3
	Reputation        int       `db:"reputation" json:"reputation"`
	TotalContribution int64     `db:"total_contribution" json:"total_contribution"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// MaxMembers returns the member cap for the crew's tier.
func (c *Crew) MaxMembers() int {
	switch c.Tier {
	case 1:
		return 5
	case 2:
		return 10
	default:
		return 20
	}
}

// Membership links a user to a crew. One membership per (user, theatre).
type Membership struct {
	CrewID       string    `db:"crew_id" json:"crew_id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Role         CrewRole  `db:"role" json:"role"`
	Contribution int64     `db:"contribution" json:"contribution"`
	JoinedAt     time.Time `db:"joined_at" json:"joined_at"`
}

// CrewAction is a tier-gated collective action with a deadline and a quorum.
type CrewAction struct {
	ID          string       `db:"id" json:"id"`
	CrewID      string       `db:"crew_id" json:"crew_id"`
	TheatreID   string       `db:"theatre_id" json:"theatre_id"`
	Type        string       `db:"type" json:"type"`
	InitiatorID string       `db:"initiator_id" json:"initiator_id"`
	Status      ActionStatus `db:"status" json:"status"`
	Quorum      int          `db:"quorum" json:"quorum"`
	Joiners     []string     `json:"joiners"`
	Deadline    time.Time    `db:"deadline" json:"deadline"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// SharedResource is one pooled resource type held by a crew.
type SharedResource struct {
	CrewID   string `db:"crew_id" json:"crew_id"`
	Resource string `db:"resource" json:"resource"`
	Amount   int64  `db:"amount" json:"amount"`
}
