package observe

import (
	"sync"

	"github.com/oscore-coap/engine/config"
)

// Handle is an opaque reference to one registered observer, an index
// into Registry's internal slab rather than a pointer - see the design
// note in DESIGN.md on representing observer/resource cycles as handles
// instead of back-references.
type Handle int

const invalidHandle Handle = -1

type observerSlot struct {
	inUse     bool
	resource  string
	peer      string
	token     []byte
}

// Registry is the per-resource observer list: resources
// hold a list of observer Handles, not raw references to the observer
// state itself, so cancellation is a single slab-slot clear.
type Registry struct {
	mu        sync.Mutex
	slab      []observerSlot
	free      []Handle
	resources map[string][]Handle
	age       *AgeCounter

	// Logger is the optional config.Logger seam, nil-safe via log().
	Logger config.Logger
}

// NewRegistry creates an empty registry with its own age counter.
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string][]Handle),
		age:       NewAgeCounter(),
	}
}

func (r *Registry) log(format string, v ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}

// Register adds peer/token as an observer of resource and returns a
// handle for later cancellation. If an entry already exists for the
// same (resource, peer, token), RFC 7641 section 4.1 requires replacing
// it in place rather than adding a duplicate.
func (r *Registry) Register(resource, peer string, token []byte) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.resources[resource] {
		s := &r.slab[h]
		if s.peer == peer && tokenEqual(s.token, token) {
			return h
		}
	}
	h := r.alloc(resource, peer, token)
	r.resources[resource] = append(r.resources[resource], h)
	return h
}

// Cancel removes the observer referenced by h. The resource's observer
// list and the slab slot are both cleared; a later notification attempt
// against h is simply a no-op.
func (r *Registry) Cancel(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(h)
}

// CancelWhere cancels the observer registered for (resource, peer,
// token), the lookup shape an inbound Observe-deregister GET (RFC 7641
// section 3.6) arrives with.
func (r *Registry) CancelWhere(resource, peer string, token []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.resources[resource] {
		s := &r.slab[h]
		if s.peer == peer && tokenEqual(s.token, token) {
			r.cancelLocked(h)
			return
		}
	}
}

func (r *Registry) cancelLocked(h Handle) {
	if int(h) < 0 || int(h) >= len(r.slab) || !r.slab[h].inUse {
		return
	}
	res := r.slab[h].resource
	r.slab[h] = observerSlot{}
	r.free = append(r.free, h)
	list := r.resources[res]
	for i, x := range list {
		if x == h {
			r.resources[res] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.log("observe: cancelled observer handle %d on resource %s", h, res)
}

// Observers returns the (peer, token) pairs currently observing
// resource, and the next age to stamp on the notification.
func (r *Registry) Observers(resource string) ([]Handle, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Handle(nil), r.resources[resource]...)
	return out, r.age.Next()
}

// Lookup returns the peer/token for a handle.
func (r *Registry) Lookup(h Handle) (peer string, token []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) < 0 || int(h) >= len(r.slab) || !r.slab[h].inUse {
		return "", nil, false
	}
	return r.slab[h].peer, r.slab[h].token, true
}

func (r *Registry) alloc(resource, peer string, token []byte) Handle {
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		r.slab[h] = observerSlot{inUse: true, resource: resource, peer: peer, token: token}
		return h
	}
	r.slab = append(r.slab, observerSlot{inUse: true, resource: resource, peer: peer, token: token})
	return Handle(len(r.slab) - 1)
}

func tokenEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
