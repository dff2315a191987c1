package message

// NoContext is the placeholder value for an addon slot that has not been
// filled by any assistant turn yet.
const NoContext = "no context"

// TrackedContext is the auxiliary addon state attached to assistant turns and
// carried forward across the conversation.
type TrackedContext struct {
	Mood     string            `json:"mood"`
	Location string            `json:"location"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// EmptyTrackedContext returns the initial all-"no context" structure used
// before any assistant turn has produced tracked state.
func EmptyTrackedContext() TrackedContext {
	return TrackedContext{Mood: NoContext, Location: NoContext}
}

// Clone returns a deep copy so cached snapshots stay immutable.
func (t TrackedContext) Clone() TrackedContext {
	out := t
	if t.Extra != nil {
		out.Extra = make(map[string]string, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
