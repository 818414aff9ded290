// Package tenant resolves inbound requests to a tenant identity and owns
// the tenant catalog.
package tenant

import "time"

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Plan is a tenant's subscription tier, used to source default limits.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Limits are numeric quotas keyed by dimension. A zero value means
// "inherit from the plan default" — see DefaultLimits.
type Limits struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	RequestsPerDay     int
	StorageBytes       int64
	ConcurrentRequests int
}

// DefaultLimits returns the plan's baseline quotas.
func DefaultLimits(plan Plan) Limits {
	switch plan {
	case PlanBasic:
		return Limits{RequestsPerMinute: 120, RequestsPerHour: 5000, RequestsPerDay: 50000, StorageBytes: 5 << 30, ConcurrentRequests: 20}
	case PlanPremium:
		return Limits{RequestsPerMinute: 600, RequestsPerHour: 20000, RequestsPerDay: 300000, StorageBytes: 50 << 30, ConcurrentRequests: 100}
	case PlanEnterprise:
		return Limits{RequestsPerMinute: 3000, RequestsPerHour: 100000, RequestsPerDay: 2000000, StorageBytes: 500 << 30, ConcurrentRequests: 500}
	default: // PlanFree
		return Limits{RequestsPerMinute: 30, RequestsPerHour: 500, RequestsPerDay: 2000, StorageBytes: 1 << 30, ConcurrentRequests: 5}
	}
}

// merge fills zero-valued fields in l with plan defaults.
func (l Limits) merge(plan Plan) Limits {
	d := DefaultLimits(plan)
	if l.RequestsPerMinute == 0 {
		l.RequestsPerMinute = d.RequestsPerMinute
	}
	if l.RequestsPerHour == 0 {
		l.RequestsPerHour = d.RequestsPerHour
	}
	if l.RequestsPerDay == 0 {
		l.RequestsPerDay = d.RequestsPerDay
	}
	if l.StorageBytes == 0 {
		l.StorageBytes = d.StorageBytes
	}
	if l.ConcurrentRequests == 0 {
		l.ConcurrentRequests = d.ConcurrentRequests
	}
	return l
}

// Tenant is a logical account boundary. Its id is never reused: a
// deleted tenant still holds its id.
type Tenant struct {
	ID            string
	Name          string
	Status        Status
	Plan          Plan
	Limits        Limits
	CustomDomains []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveLimits returns t.Limits with any zero fields filled from t.Plan's
// defaults.
func (t Tenant) EffectiveLimits() Limits {
	return t.Limits.merge(t.Plan)
}

// IsActive reports whether the tenant may serve traffic.
func (t Tenant) IsActive() bool {
	return t.Status == StatusActive
}
