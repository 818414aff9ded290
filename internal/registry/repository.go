package registry

import (
	"context"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/jackc/pgx/v5/pgxpool"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// ServiceRepository is the persistence abstraction for the service catalog,
// with pluggable backends behind a single interface.
type ServiceRepository interface {
	List(ctx context.Context) ([]Service, error)
	Get(ctx context.Context, id string) (Service, error)
	Save(ctx context.Context, services []Service) error
}

type yamlService struct {
	ID             string   `yaml:"id"`
	Host           string   `yaml:"host"`
	BaseURL        string   `yaml:"base_url"`
	PathPrefix     string   `yaml:"path_prefix"`
	AllowedMethods []string `yaml:"allowed_methods"`
	TimeoutMS      int      `yaml:"timeout_ms"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryBaseMS    int      `yaml:"retry_base_ms"`
	StripPrefix    bool     `yaml:"strip_prefix"`
	RequiredScopes []string `yaml:"required_scopes"`
	HealthPath     string   `yaml:"health_path"`
	Tags           []string `yaml:"tags"`
}

type yamlDocument struct {
	Services []yamlService `yaml:"services"`
}

func fromYAML(y yamlService) Service {
	healthPath := y.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	return Service{
		ID:             y.ID,
		Host:           y.Host,
		BaseURL:        y.BaseURL,
		PathPrefix:     y.PathPrefix,
		AllowedMethods: y.AllowedMethods,
		TimeoutMS:      y.TimeoutMS,
		RetryPolicy:    RetryPolicy{Attempts: y.RetryAttempts, BaseMS: y.RetryBaseMS},
		StripPrefix:    y.StripPrefix,
		RequiredScopes: y.RequiredScopes,
		HealthPath:     healthPath,
		Tags:           y.Tags,
	}
}

func toYAML(s Service) yamlService {
	return yamlService{
		ID:             s.ID,
		Host:           s.Host,
		BaseURL:        s.BaseURL,
		PathPrefix:     s.PathPrefix,
		AllowedMethods: s.AllowedMethods,
		TimeoutMS:      s.TimeoutMS,
		RetryAttempts:  s.RetryPolicy.Attempts,
		RetryBaseMS:    s.RetryPolicy.BaseMS,
		StripPrefix:    s.StripPrefix,
		RequiredScopes: s.RequiredScopes,
		HealthPath:     s.HealthPath,
		Tags:           s.Tags,
	}
}

// FileRepository is the default ServiceRepository: a YAML document at a
// fixed path (SERVICES_CONFIG_PATH), re-read on every List/Save round-trip
// so an external reload (e.g. triggered by fsnotify) picks up edits made by
// another process.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository returns a FileRepository reading/writing path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

func (f *FileRepository) List(ctx context.Context) ([]Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "reading services config")
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "parsing services config")
	}

	out := make([]Service, 0, len(doc.Services))
	for _, y := range doc.Services {
		out = append(out, fromYAML(y))
	}
	return out, nil
}

func (f *FileRepository) Get(ctx context.Context, id string) (Service, error) {
	services, err := f.List(ctx)
	if err != nil {
		return Service{}, err
	}
	for _, s := range services {
		if s.ID == id {
			return s, nil
		}
	}
	return Service{}, gwerrors.New(gwerrors.RouteNotFound, "no such service: "+id)
}

func (f *FileRepository) Save(ctx context.Context, services []Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := yamlDocument{Services: make([]yamlService, 0, len(services))}
	for _, s := range services {
		doc.Services = append(doc.Services, toYAML(s))
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "marshaling services config")
	}
	if err := os.WriteFile(f.path, raw, 0o644); err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "writing services config")
	}
	return nil
}

// PostgresRepository is a pgx-backed ServiceRepository for deployments that
// externalize service topology instead of shipping a YAML file.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an already-connected pgxpool.Pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const servicesSchema = `
CREATE TABLE IF NOT EXISTS gateway_services (
	id              TEXT PRIMARY KEY,
	host            TEXT NOT NULL DEFAULT '',
	base_url        TEXT NOT NULL,
	path_prefix     TEXT NOT NULL,
	allowed_methods TEXT[] NOT NULL DEFAULT '{}',
	timeout_ms      INTEGER NOT NULL DEFAULT 0,
	retry_attempts  INTEGER NOT NULL DEFAULT 0,
	retry_base_ms   INTEGER NOT NULL DEFAULT 0,
	strip_prefix    BOOLEAN NOT NULL DEFAULT false,
	required_scopes TEXT[] NOT NULL DEFAULT '{}',
	health_path     TEXT NOT NULL DEFAULT '/health',
	tags            TEXT[] NOT NULL DEFAULT '{}'
)`

// EnsureSchema creates the services table if it does not already exist.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, servicesSchema)
	return err
}

func (p *PostgresRepository) List(ctx context.Context) ([]Service, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, host, base_url, path_prefix, allowed_methods,
		timeout_ms, retry_attempts, retry_base_ms, strip_prefix, required_scopes, health_path, tags
		FROM gateway_services ORDER BY id`)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GatewayInternal, "querying services")
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.Host, &s.BaseURL, &s.PathPrefix, &s.AllowedMethods,
			&s.TimeoutMS, &s.RetryPolicy.Attempts, &s.RetryPolicy.BaseMS, &s.StripPrefix,
			&s.RequiredScopes, &s.HealthPath, &s.Tags); err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.GatewayInternal, "scanning service row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (Service, error) {
	var s Service
	err := p.pool.QueryRow(ctx, `SELECT id, host, base_url, path_prefix, allowed_methods,
		timeout_ms, retry_attempts, retry_base_ms, strip_prefix, required_scopes, health_path, tags
		FROM gateway_services WHERE id = $1`, id).
		Scan(&s.ID, &s.Host, &s.BaseURL, &s.PathPrefix, &s.AllowedMethods,
			&s.TimeoutMS, &s.RetryPolicy.Attempts, &s.RetryPolicy.BaseMS, &s.StripPrefix,
			&s.RequiredScopes, &s.HealthPath, &s.Tags)
	if err != nil {
		return Service{}, gwerrors.Wrap(err, gwerrors.RouteNotFound, "no such service: "+id)
	}
	return s, nil
}

// Save replaces the entire service set atomically within one transaction.
func (p *PostgresRepository) Save(ctx context.Context, services []Service) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "beginning services transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM gateway_services`); err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "clearing services table")
	}
	for _, s := range services {
		_, err := tx.Exec(ctx, `INSERT INTO gateway_services
			(id, host, base_url, path_prefix, allowed_methods, timeout_ms, retry_attempts,
			 retry_base_ms, strip_prefix, required_scopes, health_path, tags)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			s.ID, s.Host, s.BaseURL, s.PathPrefix, s.AllowedMethods, s.TimeoutMS,
			s.RetryPolicy.Attempts, s.RetryPolicy.BaseMS, s.StripPrefix, s.RequiredScopes,
			s.HealthPath, s.Tags)
		if err != nil {
			return gwerrors.Wrap(err, gwerrors.GatewayInternal, "inserting service "+s.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return gwerrors.Wrap(err, gwerrors.GatewayInternal, "committing services transaction")
	}
	return nil
}
