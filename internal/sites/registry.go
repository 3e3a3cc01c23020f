package sites

import "strings"

// Registry answers whether a site id is known.
type Registry interface {
	Exists(siteID string) bool
}

// StaticRegistry is backed by the configured site list. An empty list accepts any
// non-empty id, which is what single-tenant and development deployments want.
type StaticRegistry struct {
	allowed map[string]struct{}
}

func NewStaticRegistry(ids []string) *StaticRegistry {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &StaticRegistry{allowed: allowed}
}

func (r *StaticRegistry) Exists(siteID string) bool {
	if siteID == "" {
		return false
	}
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[siteID]
	return ok
}
