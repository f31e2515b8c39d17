package perm

import (
	"context"
	"errors"
	"sort"

	"github.com/iotzator/homematrix/internal/auth"
)

// ErrDenied means no role of the user grants any access to the host.
var ErrDenied = errors.New("perm: access denied")

// Source yields the raw grant rows for one (user, host) pair.
type Source interface {
	ForUserAndHost(ctx context.Context, userID, hostID string) ([]*auth.RolePermission, error)
}

// Resolver turns grant rows into an effective Filter.
type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve computes the user's effective filter for a host. Admins are always
// unrestricted. Grants from every role union together; a row with no lists
// adds no restriction of its own, and only when no row carried any list at
// all does the filter allow everything by omission. No grants at all means
// ErrDenied.
func (r *Resolver) Resolve(ctx context.Context, u *auth.User, hostID string) (Filter, error) {
	if u.IsAdmin {
		return Filter{Unrestricted: true}, nil
	}
	rows, err := r.source.ForUserAndHost(ctx, u.ID, hostID)
	if err != nil {
		return Filter{}, err
	}
	if len(rows) == 0 {
		return Filter{}, ErrDenied
	}

	domains := map[string]struct{}{}
	entities := map[string]struct{}{}
	for _, row := range rows {
		for _, d := range row.AllowedDomains {
			domains[d] = struct{}{}
		}
		for _, e := range row.AllowedEntities {
			entities[e] = struct{}{}
		}
	}
	return Filter{
		Domains:  sortedKeys(domains),
		Entities: sortedKeys(entities),
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
