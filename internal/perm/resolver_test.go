package perm

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/iotzator/homematrix/internal/auth"
)

type fakeSource struct {
	rows []*auth.RolePermission
	err  error
}

func (f *fakeSource) ForUserAndHost(ctx context.Context, userID, hostID string) ([]*auth.RolePermission, error) {
	return f.rows, f.err
}

func TestResolveAdminUnrestricted(t *testing.T) {
	r := NewResolver(&fakeSource{})
	f, err := r.Resolve(context.Background(), &auth.User{ID: "u1", IsAdmin: true}, "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !f.Unrestricted {
		t.Fatal("admin filter not unrestricted")
	}
}

func TestResolveNoGrantsDenied(t *testing.T) {
	r := NewResolver(&fakeSource{})
	_, err := r.Resolve(context.Background(), &auth.User{ID: "u1"}, "h1")
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("want ErrDenied, got %v", err)
	}
}

func TestResolveUnionsGrants(t *testing.T) {
	src := &fakeSource{rows: []*auth.RolePermission{
		{AllowedDomains: []string{"light"}, AllowedEntities: []string{"switch.garage"}},
		{AllowedDomains: []string{"climate", "light"}, AllowedEntities: []string{"sensor.door"}},
	}}
	f, err := NewResolver(src).Resolve(context.Background(), &auth.User{ID: "u1"}, "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Unrestricted {
		t.Fatal("union of scoped grants must not be unrestricted")
	}
	if want := []string{"climate", "light"}; !reflect.DeepEqual(f.Domains, want) {
		t.Fatalf("Domains = %v, want %v", f.Domains, want)
	}
	if want := []string{"sensor.door", "switch.garage"}; !reflect.DeepEqual(f.Entities, want) {
		t.Fatalf("Entities = %v, want %v", f.Entities, want)
	}
}

func TestResolveMixedEmptyGrantKeepsLists(t *testing.T) {
	src := &fakeSource{rows: []*auth.RolePermission{
		{AllowedDomains: []string{"light"}},
		{},
	}}
	f, err := NewResolver(src).Resolve(context.Background(), &auth.User{ID: "u1"}, "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Unrestricted {
		t.Fatal("a listless row must not widen the other rows' lists away")
	}
	if want := []string{"light"}; !reflect.DeepEqual(f.Domains, want) {
		t.Fatalf("Domains = %v, want %v", f.Domains, want)
	}
	if f.Entities != nil {
		t.Fatalf("Entities = %v, want nil", f.Entities)
	}
	if f.AllowsEntity("switch.garage") {
		t.Fatal("entity outside the granted domain allowed")
	}
	if !f.AllowsEntity("light.kitchen") {
		t.Fatal("entity inside the granted domain denied")
	}
}

func TestResolveAllRowsListlessAllowsEverything(t *testing.T) {
	src := &fakeSource{rows: []*auth.RolePermission{{}, {}}}
	f, err := NewResolver(src).Resolve(context.Background(), &auth.User{ID: "u1"}, "h1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Domains != nil || f.Entities != nil {
		t.Fatalf("lists = %v / %v, want nil / nil", f.Domains, f.Entities)
	}
	if !f.AllowsEntity("climate.living") || !f.AllowsDomain("climate") {
		t.Fatal("grant with no lists anywhere should allow everything")
	}
}

func TestResolveSourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewResolver(&fakeSource{err: boom}).Resolve(context.Background(), &auth.User{ID: "u1"}, "h1")
	if !errors.Is(err, boom) {
		t.Fatalf("want source error, got %v", err)
	}
}
