package conversation

// transitions is the single source of truth for legal phase changes,
// derived directly from the dialogue state diagram: a closed map from
// phase to its legal successor set, checked on every attempted
// transition rather than scattered across handler if/else branches.
var transitions = map[Phase][]Phase{
	PhaseGathering:  {PhaseAnalyzing},
	PhaseAnalyzing:  {PhaseDesigning, PhaseReviewing},
	PhaseDesigning:  {PhaseFinalizing, PhaseReviewing},
	PhaseReviewing:  {PhaseDesigning, PhaseGathering},
	PhaseFinalizing: {PhaseComplete, PhaseDesigning, PhaseGathering},
	PhaseComplete:   {},
}

// IsValidTransition reports whether moving from `from` to `to` is one
// of the declared legal edges.
func IsValidTransition(from, to Phase) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// GetValidPhases returns the legal successor phases for from.
func GetValidPhases(from Phase) []Phase {
	return transitions[from]
}

// AllPhases lists every recognized phase.
func AllPhases() []Phase {
	return []Phase{PhaseGathering, PhaseAnalyzing, PhaseDesigning, PhaseReviewing, PhaseFinalizing, PhaseComplete}
}

// transitionTo moves s to `to` if the edge from its current phase is
// legal, returning false (and leaving s unchanged) otherwise.
func (s *Session) transitionTo(to Phase) bool {
	if !IsValidTransition(s.Phase, to) {
		return false
	}
	s.Phase = to
	return true
}
