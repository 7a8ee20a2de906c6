package models

// World event kinds. These are the wire-level "kind" values on event log
// entries and realtime frames.
const (
	EventTick                = "tick"
	EventWorldStateChanged   = "world_state_changed"
	EventVarChanged          = "var_changed"
	EventThreadAdvanced      = "thread_advanced"
	EventObjectMoved         = "object_moved"
	EventSceneStarted        = "scene_started"
	EventSceneEnded          = "scene_ended"
	EventPlanGenerated       = "plan_generated"
	EventGateOpened          = "gate_opened"
	EventGateClosing         = "gate_closing"
	EventGateResolved        = "gate_resolved"
	EventGateCancelled       = "gate_cancelled"
	EventVoteCast            = "vote_cast"
	EventStakePlaced         = "stake_placed"
	EventEvidenceGranted     = "evidence_granted"
	EventEvidenceTransferred = "evidence_transferred"
	EventEvidenceExpiring    = "evidence_expiring"
	EventRumorPublished      = "rumor_published"
	EventRumorViral          = "rumor_viral"
	EventRumorDebunked       = "rumor_debunked"
	EventTraceLeft           = "trace_left"
	EventTraceDiscovered     = "trace_discovered"
	EventCrewActionStarted   = "crew_action_started"
	EventCrewActionCompleted = "crew_action_completed"
	EventNotification        = "notification"
	EventHeartbeat           = "heartbeat"
)
