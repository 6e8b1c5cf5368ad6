package pipeline

import "sync"

// State tags what is currently being done to a queue item identifier. Its
// only purpose is to prevent a second concurrent attempt on the same
// logical item.
type State string

const (
	StateNone        State = ""
	StateFetching    State = "fetching"
	StateEncrypting  State = "encrypting"
	StateUploading   State = "uploading"
	StateSharing     State = "sharing"
	StateDownloading State = "downloading"
)

// ProcessingState is the in-memory per-item state map shared by all
// processors. It is rebuilt empty on restart.
type ProcessingState struct {
	mu     sync.Mutex
	states map[string]State
}

func NewProcessingState() *ProcessingState {
	return &ProcessingState{states: make(map[string]State)}
}

// TryBegin marks the item as being processed in the given state. Returns
// false when the item is already claimed in any state, in which case the
// caller must skip it.
func (p *ProcessingState) TryBegin(id string, s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.states[id] != StateNone {
		return false
	}
	p.states[id] = s
	return true
}

// Clear releases the item. It must run unconditionally when work on the item
// ends, whatever the outcome: a leaked state permanently stalls the item.
func (p *ProcessingState) Clear(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, id)
}

// Current returns the item's state tag.
func (p *ProcessingState) Current(id string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[id]
}
