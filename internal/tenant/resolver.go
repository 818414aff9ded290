package tenant

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// claimSource supplies the verified JWT claims for a request, already
// authenticated upstream (internal/auth). Keeping this as an interface
// rather than importing internal/auth directly avoids a resolver->auth
// dependency the tenant package does not otherwise need.
type claimSource interface {
	Claims(r *http.Request) (map[string]any, bool)
}

// catalogState is the immutable snapshot swapped atomically on each reload.
type catalogState struct {
	byID      map[string]Tenant
	byDomain  map[string]string // custom domain (lowercased) -> tenant id
}

func buildState(tenants []Tenant) (*catalogState, error) {
	if err := validateCustomDomainUniqueness(tenants); err != nil {
		return nil, err
	}
	st := &catalogState{
		byID:     make(map[string]Tenant, len(tenants)),
		byDomain: make(map[string]string),
	}
	for _, t := range tenants {
		if _, dup := st.byID[t.ID]; dup {
			return nil, gwerrors.New(gwerrors.ConfigInvalid, "duplicate tenant id: "+t.ID)
		}
		st.byID[t.ID] = t
		for _, d := range t.CustomDomains {
			st.byDomain[strings.ToLower(d)] = t.ID
		}
	}
	return st, nil
}

// Resolver resolves an inbound request to a Tenant using four ordered
// strategies: explicit header, host match, verified JWT claim, then a
// configured default. The first strategy to produce a
// candidate id wins — later strategies never run once one has matched,
// even if that candidate turns out to be unknown or suspended.
type Resolver struct {
	current atomic.Pointer[catalogState]
	repo    Repository

	baseDomain    string
	defaultTenant string
	claims        claimSource

	writeMu sync.Mutex
}

// Option configures a Resolver at construction time.
type Option func(*Resolver)

// WithBaseDomain enables host-based resolution: a request Host of
// "<tenant-id>.<baseDomain>" resolves directly to that tenant id, in
// addition to the explicit custom_domains table.
func WithBaseDomain(domain string) Option {
	return func(r *Resolver) { r.baseDomain = strings.ToLower(domain) }
}

// WithDefaultTenant sets the fallback tenant id used when no other
// strategy produces a candidate.
func WithDefaultTenant(id string) Option {
	return func(r *Resolver) { r.defaultTenant = id }
}

// WithClaimSource wires the verified-JWT-claim strategy to a claimSource
// (internal/auth.Verifier's output attached to the request context).
func WithClaimSource(c claimSource) Option {
	return func(r *Resolver) { r.claims = c }
}

// NewResolver constructs a Resolver over an already-loaded tenant set.
func NewResolver(tenants []Tenant, opts ...Option) (*Resolver, error) {
	st, err := buildState(tenants)
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(st)
	return r, nil
}

// NewResolverFromRepository constructs a Resolver that loads its initial
// tenant set from repo.
func NewResolverFromRepository(ctx context.Context, repo Repository, opts ...Option) (*Resolver, error) {
	tenants, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	r, err := NewResolver(tenants, opts...)
	if err != nil {
		return nil, err
	}
	r.repo = repo
	return r, nil
}

func (r *Resolver) state() *catalogState { return r.current.Load() }

// candidateID runs the four strategies in order and returns the first
// non-empty candidate id, without validating it against the catalog.
func (r *Resolver) candidateID(req *http.Request) string {
	if id := req.Header.Get("X-Tenant-ID"); id != "" {
		return id
	}

	host := hostOnly(req.Host)
	if id, ok := r.state().byDomain[host]; ok {
		return id
	}
	if r.baseDomain != "" && strings.HasSuffix(host, "."+r.baseDomain) {
		sub := strings.TrimSuffix(host, "."+r.baseDomain)
		if sub != "" && !strings.Contains(sub, ".") {
			return sub
		}
	}

	if r.claims != nil {
		if claims, ok := r.claims.Claims(req); ok {
			if id := claimTenantID(claims); id != "" {
				return id
			}
		}
	}

	return r.defaultTenant
}

// claimTenantID reads tenant_id, falling back to app_metadata.tenant_id.
func claimTenantID(claims map[string]any) string {
	if v, ok := claims["tenant_id"].(string); ok && v != "" {
		return v
	}
	if meta, ok := claims["app_metadata"].(map[string]any); ok {
		if v, ok := meta["tenant_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func hostOnly(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// Resolve maps a request to its Tenant. A suspended tenant is returned as
// TenantSuspended immediately — resolution never falls through to a later
// strategy once a candidate id has matched a known, suspended tenant.
func (r *Resolver) Resolve(req *http.Request) (Tenant, error) {
	id := r.candidateID(req)
	if id == "" {
		return Tenant{}, gwerrors.New(gwerrors.TenantUnknown, "no tenant identifier present on request")
	}

	t, ok := r.state().byID[id]
	if !ok {
		return Tenant{}, gwerrors.New(gwerrors.TenantUnknown, "no such tenant: "+id)
	}
	if t.Status == StatusSuspended {
		return Tenant{}, gwerrors.New(gwerrors.TenantSuspended, "tenant is suspended: "+id)
	}
	if t.Status == StatusDeleted {
		return Tenant{}, gwerrors.New(gwerrors.TenantUnknown, "no such tenant: "+id)
	}
	return t, nil
}

// Get returns a single tenant by id regardless of status, for admin reads.
func (r *Resolver) Get(id string) (Tenant, bool) {
	t, ok := r.state().byID[id]
	return t, ok
}

// List returns all tenants, including suspended and deleted ones, for
// admin listing.
func (r *Resolver) List() []Tenant {
	st := r.state()
	out := make([]Tenant, 0, len(st.byID))
	for _, t := range st.byID {
		out = append(out, t)
	}
	return out
}

// Reload atomically swaps in a new tenant set, validating custom-domain
// uniqueness before the swap. A failed reload leaves the prior state
// completely intact.
func (r *Resolver) Reload(tenants []Tenant) error {
	st, err := buildState(tenants)
	if err != nil {
		return err
	}
	r.current.Store(st)
	return nil
}

// ReloadFromRepository reloads the tenant set from the backing repository,
// if one was configured.
func (r *Resolver) ReloadFromRepository(ctx context.Context) error {
	if r.repo == nil {
		return gwerrors.New(gwerrors.GatewayInternal, "resolver has no backing repository")
	}
	tenants, err := r.repo.List(ctx)
	if err != nil {
		return err
	}
	return r.Reload(tenants)
}

// writeThrough serializes admin create/update/delete calls against the
// backing repository, then reloads the in-memory snapshot so subsequent
// requests see the change immediately (copy-on-write, serialized by
// writeMu).
func (r *Resolver) writeThrough(ctx context.Context, fn func() error) error {
	if r.repo == nil {
		return gwerrors.New(gwerrors.GatewayInternal, "resolver has no backing repository")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := fn(); err != nil {
		return err
	}
	return r.ReloadFromRepository(ctx)
}

// Create adds a new tenant through the backing repository and reloads.
func (r *Resolver) Create(ctx context.Context, t Tenant) error {
	return r.writeThrough(ctx, func() error { return r.repo.Create(ctx, t) })
}

// Update patches an existing tenant through the backing repository and
// reloads. Admin operations against a suspended tenant's own record are
// still permitted here; blocking a suspended tenant from managing itself
// is enforced by the admin surface, not the resolver.
func (r *Resolver) Update(ctx context.Context, id string, patch func(*Tenant)) (Tenant, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.repo == nil {
		return Tenant{}, gwerrors.New(gwerrors.GatewayInternal, "resolver has no backing repository")
	}
	t, err := r.repo.Update(ctx, id, patch)
	if err != nil {
		return Tenant{}, err
	}
	if err := r.ReloadFromRepository(ctx); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

// Delete soft-deletes a tenant through the backing repository and reloads.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	return r.writeThrough(ctx, func() error { return r.repo.Delete(ctx, id) })
}
