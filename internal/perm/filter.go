// Package perm resolves what slice of a host a user may see and touch.
package perm

import "strings"

// Filter is the effective access scope for one (user, host) pair. A nil
// list places no restriction at that level: a filter with both lists nil
// allows every entity, and a nil domain list allows every domain. The lists
// only narrow access once populated.
type Filter struct {
	Unrestricted bool
	Domains      []string
	Entities     []string
}

// Domain extracts the domain prefix of an entity id, the text before the
// first dot. "light.kitchen" -> "light".
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// AllowsEntity reports whether the entity passes the filter. An entity is
// allowed when it is listed explicitly, when its domain is listed, or when
// neither list was specified at all.
func (f Filter) AllowsEntity(entityID string) bool {
	if f.Unrestricted {
		return true
	}
	if len(f.Domains) == 0 && len(f.Entities) == 0 {
		return true
	}
	for _, e := range f.Entities {
		if e == entityID {
			return true
		}
	}
	domain := Domain(entityID)
	for _, d := range f.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether service calls in the domain are allowed. A
// nil domain list places no domain restriction; entity-level checks on the
// call payload still apply separately.
func (f Filter) AllowsDomain(domain string) bool {
	if f.Unrestricted || len(f.Domains) == 0 {
		return true
	}
	for _, d := range f.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Restrict keeps the items whose entity id passes the filter, preserving
// order. With an unrestricted filter the input is returned as is.
func Restrict[T any](f Filter, items []T, entityID func(T) string) []T {
	if f.Unrestricted {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if f.AllowsEntity(entityID(item)) {
			out = append(out, item)
		}
	}
	return out
}
