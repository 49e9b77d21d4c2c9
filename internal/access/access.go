// Package access implements role-gated authorization for administrative
// and minting operations. Grants are persisted through the store; the
// in-memory set is the authority for checks.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/store"
)

// Roles.
const (
	RoleAdmin   = "admin"   // venue registry, role grants
	RoleMinter  = "minter"  // may mint credit
	RoleMatcher = "matcher" // may force-match positions
)

var validRoles = map[string]bool{
	RoleAdmin:   true,
	RoleMinter:  true,
	RoleMatcher: true,
}

// Control holds role grants.
type Control struct {
	mu     sync.RWMutex
	store  store.Store
	grants map[string]map[string]bool // actor -> role set
}

// New creates an empty Control backed by st.
func New(st store.Store) *Control {
	return &Control{
		store:  st,
		grants: make(map[string]map[string]bool),
	}
}

// Load reads persisted grants into memory.
func (c *Control) Load(ctx context.Context) error {
	grants, err := c.store.ListRoleGrants(ctx)
	if err != nil {
		return fmt.Errorf("access: load grants: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range grants {
		c.add(g.Actor, g.Role)
	}
	return nil
}

// Bootstrap grants roles without an authorizing actor. Used at startup to
// seed the first administrators and the service principal.
func (c *Control) Bootstrap(ctx context.Context, actor string, roles ...string) error {
	for _, role := range roles {
		if err := c.grant(ctx, "bootstrap", actor, role); err != nil {
			return err
		}
	}
	return nil
}

// Grant gives actor a role. by must hold RoleAdmin.
func (c *Control) Grant(ctx context.Context, by, actor, role string) error {
	if err := c.Require(by, RoleAdmin); err != nil {
		return err
	}
	return c.grant(ctx, by, actor, role)
}

// Revoke removes a role from actor. by must hold RoleAdmin. An admin
// cannot revoke their own admin role.
func (c *Control) Revoke(ctx context.Context, by, actor, role string) error {
	if err := c.Require(by, RoleAdmin); err != nil {
		return err
	}
	if !validRoles[role] {
		return fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, role)
	}
	if by == actor && role == RoleAdmin {
		return fmt.Errorf("%w: admins cannot revoke their own admin role", model.ErrInvalidInput)
	}
	if err := c.store.DeleteRoleGrant(ctx, actor, role); err != nil {
		return fmt.Errorf("access: revoke: %w", err)
	}

	c.mu.Lock()
	delete(c.grants[actor], role)
	c.mu.Unlock()

	slog.Info("role revoked", "actor", actor, "role", role, "by", by)
	return nil
}

// Has reports whether actor holds role.
func (c *Control) Has(actor, role string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.grants[actor][role]
}

// Require returns model.ErrUnauthorized unless actor holds role.
func (c *Control) Require(actor, role string) error {
	if actor == "" {
		return fmt.Errorf("access: missing actor: %w", model.ErrUnauthorized)
	}
	if !c.Has(actor, role) {
		return fmt.Errorf("access: %s lacks role %s: %w", actor, role, model.ErrUnauthorized)
	}
	return nil
}

func (c *Control) grant(ctx context.Context, by, actor, role string) error {
	if actor == "" {
		return fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}
	if !validRoles[role] {
		return fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, role)
	}
	g := &model.RoleGrant{
		Actor:     actor,
		Role:      role,
		GrantedBy: by,
		GrantedAt: time.Now().UTC(),
	}
	if err := c.store.SaveRoleGrant(ctx, g); err != nil {
		return fmt.Errorf("access: grant: %w", err)
	}

	c.mu.Lock()
	c.add(actor, role)
	c.mu.Unlock()

	slog.Info("role granted", "actor", actor, "role", role, "by", by)
	return nil
}

// add must be called with mu held.
func (c *Control) add(actor, role string) {
	set, ok := c.grants[actor]
	if !ok {
		set = make(map[string]bool)
		c.grants[actor] = set
	}
	set[role] = true
}
