package tenant

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/jackc/pgx/v5/pgxpool"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// Repository is the persistence abstraction for the tenant catalog.
// Delete is soft: it sets status to deleted rather than removing the
// record, since ids are never reused.
type Repository interface {
	Get(ctx context.Context, id string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Create(ctx context.Context, t Tenant) error
	Update(ctx context.Context, id string, patch func(*Tenant)) (Tenant, error)
	Delete(ctx context.Context, id string) error
}

type yamlLimits struct {
	RequestsPerMinute  int   `yaml:"requests_per_minute"`
	RequestsPerHour    int   `yaml:"requests_per_hour"`
	RequestsPerDay     int   `yaml:"requests_per_day"`
	StorageBytes       int64 `yaml:"storage_bytes"`
	ConcurrentRequests int   `yaml:"concurrent_requests"`
}

type yamlTenant struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Status        string     `yaml:"status"`
	Plan          string     `yaml:"plan"`
	Limits        yamlLimits `yaml:"limits"`
	CustomDomains []string   `yaml:"custom_domains"`
	CreatedAt     time.Time  `yaml:"created_at"`
	UpdatedAt     time.Time  `yaml:"updated_at"`
}

type yamlDocument struct {
	Tenants []yamlTenant `yaml:"tenants"`
}

func fromYAML(y yamlTenant) Tenant {
	return Tenant{
		ID:     y.ID,
		Name:   y.Name,
		Status: Status(y.Status),
		Plan:   Plan(y.Plan),
		Limits: Limits{
			RequestsPerMinute:  y.Limits.RequestsPerMinute,
			RequestsPerHour:    y.Limits.RequestsPerHour,
			RequestsPerDay:     y.Limits.RequestsPerDay,
			StorageBytes:       y.Limits.StorageBytes,
			ConcurrentRequests: y.Limits.ConcurrentRequests,
		},
		CustomDomains: y.CustomDomains,
		CreatedAt:     y.CreatedAt,
		UpdatedAt:     y.UpdatedAt,
	}
}

func toYAML(t Tenant) yamlTenant {
	return yamlTenant{
		ID:     t.ID,
		Name:   t.Name,
		Status: string(t.Status),
		Plan:   string(t.Plan),
		Limits: yamlLimits{
			RequestsPerMinute:  t.Limits.RequestsPerMinute,
			RequestsPerHour:    t.Limits.RequestsPerHour,
			RequestsPerDay:     t.Limits.RequestsPerDay,
			StorageBytes:       t.Limits.StorageBytes,
			ConcurrentRequests: t.Limits.ConcurrentRequests,
		},
		CustomDomains: t.CustomDomains,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// FileRepository is the default Repository: a YAML document at a fixed path
// (TENANTS_CONFIG_PATH), serialized through a mutex so concurrent admin
// writes never interleave partial rewrites of the file.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository returns a FileRepository reading/writing path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

func (f *FileRepository) load() ([]Tenant, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "reading tenants config")
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "parsing tenants config")
	}
	out := make([]Tenant, 0, len(doc.Tenants))
	for _, y := range doc.Tenants {
		out = append(out, fromYAML(y))
	}
	return out, nil
}

func (f *FileRepository) save(tenants []Tenant) error {
	if err := validateCustomDomainUniqueness(tenants); err != nil {
		return err
	}
	doc := yamlDocument{Tenants: make([]yamlTenant, 0, len(tenants))}
	for _, t := range tenants {
		doc.Tenants = append(doc.Tenants, toYAML(t))
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "marshaling tenants config")
	}
	return os.WriteFile(f.path, raw, 0o644)
}

// validateCustomDomainUniqueness rejects a tenant set where a custom domain
// is claimed by more than one tenant (resolved Open Question: yes, globally
// unique).
func validateCustomDomainUniqueness(tenants []Tenant) error {
	seen := make(map[string]string)
	for _, t := range tenants {
		for _, d := range t.CustomDomains {
			d = strings.ToLower(d)
			if owner, dup := seen[d]; dup && owner != t.ID {
				return gwerrors.New(gwerrors.ConfigInvalid,
					"custom_domain "+d+" claimed by both "+owner+" and "+t.ID)
			}
			seen[d] = t.ID
		}
	}
	return nil
}

func (f *FileRepository) Get(ctx context.Context, id string) (Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tenants, err := f.load()
	if err != nil {
		return Tenant{}, err
	}
	for _, t := range tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return Tenant{}, gwerrors.New(gwerrors.TenantUnknown, "no such tenant: "+id)
}

func (f *FileRepository) List(ctx context.Context) ([]Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileRepository) Create(ctx context.Context, t Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tenants, err := f.load()
	if err != nil {
		return err
	}
	for _, existing := range tenants {
		if existing.ID == t.ID {
			return gwerrors.New(gwerrors.ConfigInvalid, "tenant id already exists: "+t.ID)
		}
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	tenants = append(tenants, t)
	return f.save(tenants)
}

func (f *FileRepository) Update(ctx context.Context, id string, patch func(*Tenant)) (Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tenants, err := f.load()
	if err != nil {
		return Tenant{}, err
	}
	for i := range tenants {
		if tenants[i].ID == id {
			patch(&tenants[i])
			tenants[i].UpdatedAt = time.Now()
			if err := f.save(tenants); err != nil {
				return Tenant{}, err
			}
			return tenants[i], nil
		}
	}
	return Tenant{}, gwerrors.New(gwerrors.TenantUnknown, "no such tenant: "+id)
}

func (f *FileRepository) Delete(ctx context.Context, id string) error {
	_, err := f.Update(ctx, id, func(t *Tenant) { t.Status = StatusDeleted })
	return err
}

// PostgresRepository is a pgx-backed Repository using a shared connection
// pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an already-connected pgxpool.Pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const tenantsSchema = `
CREATE TABLE IF NOT EXISTS gateway_tenants (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	status               TEXT NOT NULL,
	plan                 TEXT NOT NULL,
	requests_per_minute  INTEGER NOT NULL DEFAULT 0,
	requests_per_hour    INTEGER NOT NULL DEFAULT 0,
	requests_per_day     INTEGER NOT NULL DEFAULT 0,
	storage_bytes        BIGINT NOT NULL DEFAULT 0,
	concurrent_requests  INTEGER NOT NULL DEFAULT 0,
	custom_domains       TEXT[] NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the tenants table if it does not already exist.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, tenantsSchema)
	return err
}

func scanTenant(row interface {
	Scan(dest ...any) error
}) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Plan,
		&t.Limits.RequestsPerMinute, &t.Limits.RequestsPerHour, &t.Limits.RequestsPerDay,
		&t.Limits.StorageBytes, &t.Limits.ConcurrentRequests,
		&t.CustomDomains, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (Tenant, error) {
	t, err := scanTenant(p.pool.QueryRow(ctx, `SELECT id, name, status, plan, requests_per_minute,
		requests_per_hour, requests_per_day, storage_bytes, concurrent_requests, custom_domains,
		created_at, updated_at FROM gateway_tenants WHERE id = $1`, id))
	if err != nil {
		return Tenant{}, gwerrors.Wrap(err, gwerrors.TenantUnknown, "no such tenant: "+id)
	}
	return t, nil
}

func (p *PostgresRepository) List(ctx context.Context) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, status, plan, requests_per_minute,
		requests_per_hour, requests_per_day, storage_bytes, concurrent_requests, custom_domains,
		created_at, updated_at FROM gateway_tenants ORDER BY id`)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GatewayInternal, "querying tenants")
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.GatewayInternal, "scanning tenant row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Create(ctx context.Context, t Tenant) error {
	now := time.Now()
	_, err := p.pool.Exec(ctx, `INSERT INTO gateway_tenants
		(id, name, status, plan, requests_per_minute, requests_per_hour, requests_per_day,
		 storage_bytes, concurrent_requests, custom_domains, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		t.ID, t.Name, t.Status, t.Plan, t.Limits.RequestsPerMinute, t.Limits.RequestsPerHour,
		t.Limits.RequestsPerDay, t.Limits.StorageBytes, t.Limits.ConcurrentRequests,
		t.CustomDomains, now)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.ConfigInvalid, "creating tenant "+t.ID)
	}
	return nil
}

func (p *PostgresRepository) Update(ctx context.Context, id string, patch func(*Tenant)) (Tenant, error) {
	t, err := p.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	patch(&t)
	t.UpdatedAt = time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE gateway_tenants SET name=$2, status=$3, plan=$4,
		requests_per_minute=$5, requests_per_hour=$6, requests_per_day=$7, storage_bytes=$8,
		concurrent_requests=$9, custom_domains=$10, updated_at=$11 WHERE id=$1`,
		t.ID, t.Name, t.Status, t.Plan, t.Limits.RequestsPerMinute, t.Limits.RequestsPerHour,
		t.Limits.RequestsPerDay, t.Limits.StorageBytes, t.Limits.ConcurrentRequests,
		t.CustomDomains, t.UpdatedAt)
	if err != nil {
		return Tenant{}, gwerrors.Wrap(err, gwerrors.GatewayInternal, "updating tenant "+id)
	}
	return t, nil
}

func (p *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := p.Update(ctx, id, func(t *Tenant) { t.Status = StatusDeleted })
	return err
}
