// Package progress owns the application phase state machine. Every write
// is optimistic on the record revision and is broadcast to subscribers of
// the application's channel.
package progress

import "github.com/sells-group/site-enrich/internal/model"

type phaseInfo struct {
	order   int
	percent int
	label   string
}

var phases = map[model.Phase]phaseInfo{
	model.PhasePending:          {0, 0, "Queued for processing"},
	model.PhaseGeocoding:        {1, 10, "Locating address"},
	model.PhaseParcelLookup:     {2, 25, "Looking up parcel"},
	model.PhaseEnriching:        {3, 40, "Gathering site data"},
	model.PhaseOverlayFetch:     {4, 55, "Fetching site overlays"},
	model.PhaseScoring:          {5, 80, "Scoring feasibility"},
	model.PhaseReportGeneration: {6, 90, "Generating report"},
	model.PhaseComplete:         {7, 100, "Complete"},
	model.PhaseError:            {-1, -1, "Paused, retrying soon"},
	model.PhaseErrorPermanent:   {-1, -1, "Failed"},
}

// KnownPhase reports whether p is a defined phase.
func KnownPhase(p model.Phase) bool {
	_, ok := phases[p]
	return ok
}

// DefaultPercent returns the progress percent a phase starts at, or -1 for
// error phases.
func DefaultPercent(p model.Phase) int {
	if info, ok := phases[p]; ok {
		return info.percent
	}
	return -1
}

// StageLabel returns the user-facing label of a phase.
func StageLabel(p model.Phase) string {
	if info, ok := phases[p]; ok {
		return info.label
	}
	return string(p)
}

// Terminal reports whether no further writes are accepted in phase p
// without a recovery reset.
func Terminal(p model.Phase) bool {
	switch p {
	case model.PhaseComplete, model.PhaseErrorPermanent:
		return true
	default:
		return false
	}
}

// Reached reports whether an application in phase cur has already entered
// phase p. Error phases have reached nothing.
func Reached(cur, p model.Phase) bool {
	return forward(cur) && forward(p) && order(cur) >= order(p)
}

func forward(p model.Phase) bool {
	info, ok := phases[p]
	return ok && info.order >= 0
}

func order(p model.Phase) int {
	return phases[p].order
}
