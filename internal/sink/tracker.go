package sink

import (
	"fmt"
	"sync"
)

// Posted is the data-movement status of one tracked tool meister.
type Posted int

const (
	// PostedNone marks tool meisters that never ship data: the local one,
	// and any with no transient tools.
	PostedNone Posted = iota
	// PostedDormant means no upload is expected right now.
	PostedDormant
	// PostedWaiting means the sink is blocked on this tool meister's upload.
	PostedWaiting
)

// Record tracks one tool meister for the run.
type Record struct {
	Kind            string
	Hostname        string
	PID             int
	TransientTools  []string
	PersistentTools []string
	NoopTools       []string

	posted Posted
}

// tracker serializes the sink's state and per-tool-meister tracking map
// behind one lock and condition variable. No code outside this type touches
// the mutex.
type tracker struct {
	mu sync.Mutex
	cv *sync.Cond

	state     string
	directory string
	dirCtx    string
	tms       map[string]*Record
}

func newTracker() *tracker {
	t := &tracker{}
	t.cv = sync.NewCond(&t.mu)
	return t
}

// initialized reports whether the tracking map has been populated.
func (t *tracker) initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tms != nil
}

// init installs the tracking map; records for shipping tool meisters start
// dormant.
func (t *tracker) init(tms map[string]*Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tms = tms
}

// setState records the action now being processed together with its
// directory token and derived upload context.
func (t *tracker) setState(action, directory, dirCtx string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = action
	t.directory = directory
	t.dirCtx = dirCtx
}

// current returns the state, directory, and upload context.
func (t *tracker) current() (state, directory, dirCtx string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.directory, t.dirCtx
}

// markAllWaiting flips every shipping tool meister from dormant to waiting.
func (t *tracker) markAllWaiting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.tms {
		if tm.posted == PostedNone {
			continue
		}
		tm.posted = PostedWaiting
	}
}

// awaitAllDormant blocks until no tracked tool meister is waiting. The sink
// must not leave a data-moving state while any upload is outstanding.
func (t *tracker) awaitAllDormant() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		waiting := false
		for _, tm := range t.tms {
			if tm.posted == PostedWaiting {
				waiting = true
				break
			}
		}
		if !waiting {
			return
		}
		t.cv.Wait()
	}
}

// Upload admission errors, mapped to HTTP statuses by the handler.
type uploadError struct {
	status int
	msg    string
}

func (e *uploadError) Error() string { return e.msg }

// beginUpload validates that an upload for (dirCtx, host) is currently
// expected: the sink must be processing wantState, the context must match,
// and the host's record must be waiting.
func (t *tracker) beginUpload(wantState, dirCtx, host string) (string, *uploadError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != wantState {
		return "", &uploadError{400, fmt.Sprintf("Can't accept PUT requests in state '%s'", t.state)}
	}
	if t.dirCtx != dirCtx {
		return "", &uploadError{400, fmt.Sprintf("Unexpected tool data context, '%s'", dirCtx)}
	}
	tm, ok := t.tms[host]
	if !ok || tm.posted != PostedWaiting {
		return "", &uploadError{400, "No data expected from a Tool Meister"}
	}
	return t.directory, nil
}

// completeUpload flips the host back to dormant and wakes the state-change
// thread blocked in awaitAllDormant.
func (t *tracker) completeUpload(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.tms[host]
	if ok && tm.posted == PostedWaiting {
		tm.posted = PostedDormant
	}
	t.cv.Broadcast()
}

// records returns a copy of the tracking map for read-only walks.
func (t *tracker) records() map[string]*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*Record, len(t.tms))
	for host, tm := range t.tms {
		out[host] = tm
	}
	return out
}
