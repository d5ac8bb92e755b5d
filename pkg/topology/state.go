package topology

import "github.com/newtron-network/newtconv/pkg/intent"

// Config returns a copy of the configuration recorded for the router.
func (r *Router) Config() *intent.Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Clone()
}

// SetConfig records the configuration now present on the router.
func (r *Router) SetConfig(cfg *intent.Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg.Clone()
}

// AdminUp reports the administrative status of an interface. Interfaces
// start up.
func (r *Router) AdminUp(iface string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.adminDown[iface]
}

// SetAdminUp records the administrative status of an interface.
func (r *Router) SetAdminUp(iface string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if up {
		delete(r.adminDown, iface)
		return
	}
	if r.adminDown == nil {
		r.adminDown = map[string]bool{}
	}
	r.adminDown[iface] = true
}

// ResetState forgets recorded configuration and admin status.
func (r *Router) ResetState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = nil
	r.adminDown = nil
}
