package models

import "time"

// User is a detached copy of a users row. The API layer never holds a
// database handle while one of these is in flight.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Phone     string    `json:"phone" db:"phone"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	OrgID     *int64    `json:"org_id,omitempty" db:"org_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Organization groups users under a shared expiry and lock switch.
// A locked or expired organization disables all of its members.
type Organization struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Locked    bool       `json:"locked" db:"locked"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Active reports whether the organization currently admits requests.
func (o *Organization) Active(now time.Time) bool {
	if o.Locked {
		return false
	}
	if o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// APIKey is a machine credential. Only UsageCount and IsActive are ever
// mutated after creation.
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	Secret     string     `json:"-" db:"secret"`
	OrgID      *int64     `json:"org_id,omitempty" db:"org_id"`
	QuotaLimit *int64     `json:"quota_limit,omitempty" db:"quota_limit"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// QuotaExhausted reports whether the key has consumed its quota.
// Keys without a quota limit never exhaust.
func (k *APIKey) QuotaExhausted() bool {
	return k.QuotaLimit != nil && k.UsageCount >= *k.QuotaLimit
}

// AuthContext is the detached authorization record produced at request
// entry. Everything downstream of the authenticator works from this value;
// no SQL handle outlives the authenticator call that produced it.
type AuthContext struct {
	UserID   int64
	OrgID    *int64
	IsAdmin  bool
	APIKeyID *int64
	Language string
}
