package domain

var allowedTransitions = map[State][]State{
	StateActive:      {StateGracePeriod},
	StateGracePeriod: {StateRestricted, StateSuspended, StateActive},
	StateRestricted:  {StateSuspended, StateActive},
	StateSuspended:   {StateActive},
}

// IsValidState reports whether s is one of the four account states.
func IsValidState(s State) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a permitted edge. Self-loops are not edges.
func CanTransition(from, to State) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
