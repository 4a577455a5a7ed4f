package oscore

import "sync"

// ContextStore maps the kid (+ optional kid context) carried in an
// inbound OSCORE option to the long-lived SecurityContext derived for
// that peer, either provisioned out of band or produced by a completed
// EDHOC handshake. It is distinct from the per-exchange ExchangeTable: this
// store answers "which recipient context does kid X name", the exchange
// table answers "which context protected the request this response
// answers".
type ContextStore struct {
	mu       sync.Mutex
	contexts map[string]SecurityContext
}

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{contexts: make(map[string]SecurityContext)}
}

func contextKey(kid, kidContext []byte) string {
	return string(kid) + "\x00" + string(kidContext)
}

// Register binds ctx to (kid, kidContext), replacing any previous
// binding. A replaced context holding sensitive material is zeroed if it
// implements SecureZero.
func (s *ContextStore) Register(kid, kidContext []byte, ctx SecurityContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := contextKey(kid, kidContext)
	if old, ok := s.contexts[k]; ok {
		if z, ok := old.(interface{ SecureZero() }); ok {
			z.SecureZero()
		}
	}
	s.contexts[k] = ctx
}

// Lookup resolves (kid, kidContext) to a SecurityContext; ok=false for
// an unknown kid, which Unprotect turns into ClassContextMissing (4.01).
func (s *ContextStore) Lookup(kid, kidContext []byte) (SecurityContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[contextKey(kid, kidContext)]
	return ctx, ok
}

// Remove drops the binding for (kid, kidContext), zeroing it first where
// possible.
func (s *ContextStore) Remove(kid, kidContext []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := contextKey(kid, kidContext)
	if old, ok := s.contexts[k]; ok {
		if z, ok := old.(interface{ SecureZero() }); ok {
			z.SecureZero()
		}
	}
	delete(s.contexts, k)
}
