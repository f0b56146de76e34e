package protocol

import "sync"

// Handler processes one envelope received from addr (the sender's ip).
type Handler func(env *Envelope, addr string)

// Router maps payload kinds to the handlers of one role.
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch invokes the handler registered for the envelope's kind and
// reports whether there was one. Kinds the role does not handle are no-ops.
func (r *Router) Dispatch(env *Envelope, addr string) bool {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind()]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h(env, addr)
	return true
}
