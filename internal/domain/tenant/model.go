package tenant

import (
	"time"

	"github.com/google/uuid"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/db"
)

// Subscription plans a clinic can be registered under.
const (
	PlanBasic        = "basico"
	PlanProfessional = "profesional"
	PlanEnterprise   = "empresarial"
)

var planLimits = map[string]struct{ Users, Patients int }{
	PlanBasic:        {Users: 5, Patients: 500},
	PlanProfessional: {Users: 20, Patients: 5000},
	PlanEnterprise:   {Users: 100, Patients: 100000},
}

// Tenant is a clinic registered in the shared directory. Each active tenant
// owns a dedicated Postgres schema holding its clinical data; the directory
// row itself lives in the public schema.
type Tenant struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Key         string    `db:"key" json:"key"`
	Name        string    `db:"name" json:"name"`
	RUC         string    `db:"ruc" json:"ruc"`
	Phone       *string   `db:"phone" json:"phone,omitempty"`
	Email       *string   `db:"email" json:"email,omitempty"`
	Address     *string   `db:"address" json:"address,omitempty"`
	Plan        string    `db:"plan" json:"plan"`
	MaxUsers    int       `db:"max_users" json:"max_users"`
	MaxPatients int       `db:"max_patients" json:"max_patients"`
	SchemaName  string    `db:"schema_name" json:"schema_name"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DomainAlias maps a full hostname (e.g. norte.clinicas.example) to a tenant
// so clinics can serve their portal from a custom domain.
type DomainAlias struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Domain    string    `db:"domain" json:"domain"`
	IsPrimary bool      `db:"is_primary" json:"is_primary"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Validate checks the registration fields. Limits default from the plan when
// unset.
func (t *Tenant) Validate() error {
	v := apierr.NewValidation()
	if t.Key == "" {
		v.Add("key", "is required")
	} else if !db.ValidTenantKey(t.Key) {
		v.Add("key", "must contain only lowercase letters, digits and underscores")
	}
	if t.Key == "public" {
		v.Add("key", "is reserved")
	}
	if t.Name == "" {
		v.Add("name", "is required")
	}
	if t.RUC == "" {
		v.Add("ruc", "is required")
	}
	if t.Plan == "" {
		t.Plan = PlanBasic
	}
	limits, ok := planLimits[t.Plan]
	if !ok {
		v.Add("plan", "must be one of basico, profesional, empresarial")
	} else {
		if t.MaxUsers == 0 {
			t.MaxUsers = limits.Users
		}
		if t.MaxPatients == 0 {
			t.MaxPatients = limits.Patients
		}
	}
	return v.Err()
}

// Info converts the directory row to the routing layer's view.
func (t *Tenant) Info() *db.TenantInfo {
	return &db.TenantInfo{Key: t.Key, SchemaName: t.SchemaName, Active: t.Active}
}
