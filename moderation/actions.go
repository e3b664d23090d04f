package moderation

import (
	"slices"
)

// Action is the lexicon token of a moderation event type.
type Action string

const (
	ActionTakedown                 Action = "tools.ozone.moderation.defs#modEventTakedown"
	ActionReverseTakedown          Action = "tools.ozone.moderation.defs#modEventReverseTakedown"
	ActionResolveAppeal            Action = "tools.ozone.moderation.defs#modEventResolveAppeal"
	ActionComment                  Action = "tools.ozone.moderation.defs#modEventComment"
	ActionReport                   Action = "tools.ozone.moderation.defs#modEventReport"
	ActionLabel                    Action = "tools.ozone.moderation.defs#modEventLabel"
	ActionAcknowledge              Action = "tools.ozone.moderation.defs#modEventAcknowledge"
	ActionEscalate                 Action = "tools.ozone.moderation.defs#modEventEscalate"
	ActionMute                     Action = "tools.ozone.moderation.defs#modEventMute"
	ActionUnmute                   Action = "tools.ozone.moderation.defs#modEventUnmute"
	ActionMuteReporter             Action = "tools.ozone.moderation.defs#modEventMuteReporter"
	ActionUnmuteReporter           Action = "tools.ozone.moderation.defs#modEventUnmuteReporter"
	ActionEmail                    Action = "tools.ozone.moderation.defs#modEventEmail"
	ActionDivert                   Action = "tools.ozone.moderation.defs#modEventDivert"
	ActionTag                      Action = "tools.ozone.moderation.defs#modEventTag"
	ActionAccountEvent             Action = "tools.ozone.moderation.defs#accountEvent"
	ActionIdentityEvent            Action = "tools.ozone.moderation.defs#identityEvent"
	ActionRecordEvent              Action = "tools.ozone.moderation.defs#recordEvent"
	ActionPriorityScore            Action = "tools.ozone.moderation.defs#modEventPriorityScore"
	ActionAgeAssurance             Action = "tools.ozone.moderation.defs#ageAssuranceEvent"
	ActionAgeAssuranceOverride     Action = "tools.ozone.moderation.defs#ageAssuranceOverrideEvent"
	ActionRevokeAccountCredentials Action = "tools.ozone.moderation.defs#revokeAccountCredentialsEvent"
)

var allActions = []Action{
	ActionTakedown, ActionReverseTakedown, ActionResolveAppeal, ActionComment,
	ActionReport, ActionLabel, ActionAcknowledge, ActionEscalate, ActionMute,
	ActionUnmute, ActionMuteReporter, ActionUnmuteReporter, ActionEmail,
	ActionDivert, ActionTag, ActionAccountEvent, ActionIdentityEvent,
	ActionRecordEvent, ActionPriorityScore, ActionAgeAssurance,
	ActionAgeAssuranceOverride, ActionRevokeAccountCredentials,
}

func (a Action) Valid() bool {
	return slices.Contains(allActions, a)
}

// IsHosting reports whether the action records an externally observed
// lifecycle fact rather than a moderation decision.
func (a Action) IsHosting() bool {
	return a == ActionAccountEvent || a == ActionIdentityEvent || a == ActionRecordEvent
}

// Review states, stored as lexicon tokens.
const (
	ReviewNone      = "tools.ozone.moderation.defs#reviewNone"
	ReviewOpen      = "tools.ozone.moderation.defs#reviewOpen"
	ReviewEscalated = "tools.ozone.moderation.defs#reviewEscalated"
	ReviewClosed    = "tools.ozone.moderation.defs#reviewClosed"
)

// Report reason types that open an appeal.
var appealReasons = []string{
	"com.atproto.moderation.defs#reasonAppeal",
	"tools.ozone.report.defs#reasonAppeal",
}

func IsAppealReason(reportType string) bool {
	return slices.Contains(appealReasons, reportType)
}

// Hosting statuses.
const (
	HostingActive      = "active"
	HostingUnknown     = "unknown"
	HostingDeleted     = "deleted"
	HostingDeactivated = "deactivated"
	HostingTakendown   = "takendown"
	HostingSuspended   = "suspended"
	HostingTombstoned  = "tombstoned"
)

// Labels applied by takedown side effects.
const (
	TakedownLabel = "!takedown"
	SuspendLabel  = "!suspend"
)

const defaultMuteHours = 24

// ReversalComment is attached to events logged by scheduled reversals.
const ReversalComment = "[SCHEDULED_REVERSAL] Reverting action as originally scheduled"

const (
	autoResolveComment       = "[AUTO_RESOLVE_FOR_TAKENDOWN_ACCOUNT]: Automatically resolving all reported content for a takendown account"
	autoResolveAppealComment = "[AUTO_RESOLVE_FOR_TAKENDOWN_ACCOUNT]: Automatically resolving all appealed content for a takendown account"
)
