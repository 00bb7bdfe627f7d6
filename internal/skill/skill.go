package skill

// State is a skill's lifecycle state. Every name has exactly one state at
// any instant; names the manager has never seen are StateDiscovered.
type State string

const (
	StateDiscovered State = "discovered" // known but not loaded
	StateLoaded     State = "loaded"     // content in memory, not in context
	StateActive     State = "active"     // content allocated into the context window
	StateUnloaded   State = "unloaded"   // explicitly removed from memory
	StateError      State = "error"      // last load attempt failed
)

// validTransitions defines the legal lifecycle transitions. The only way
// out of StateError is a fresh load.
var validTransitions = map[State][]State{
	StateDiscovered: {StateLoaded, StateError},
	StateLoaded:     {StateActive, StateUnloaded},
	StateActive:     {StateLoaded},
	StateUnloaded:   {StateLoaded, StateError},
	StateError:      {StateLoaded, StateError},
}

// CanTransition reports whether from → to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Skill is a point-in-time snapshot of one tracked skill.
type Skill struct {
	Name       string  `json:"name"`
	State      State   `json:"state"`
	Version    Version `json:"version"`
	Allocation int     `json:"allocation,omitempty"` // tokens, non-zero only while active
}
