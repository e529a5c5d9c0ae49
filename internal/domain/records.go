package domain

import "time"

// TokenUsageRecord is one row of per-call LLM accounting: who made the
// call, against which model, how many tokens in each direction, what kind
// of request it was, and when. Born on every successful (or partially
// successful) LLM call; enqueued in the Token-Usage Buffer, then persisted
// with at-least-once delivery: a failed flush is put back and retried, so
// a record may be written more than once (see internal/tokenusage).
type TokenUsageRecord struct {
	UserID           UserID
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	RequestType      RequestType
	CreatedAt        time.Time
}

// Role distinguishes administrative callers from ordinary users (spec.md
// §3 User's "role flag (admin/normal)").
type Role string

const (
	RoleNormal Role = "normal"
	RoleAdmin  Role = "admin"
)

// User is a short-lived detached copy of a relational users row (spec.md
// §3's Ownership rule: "ApiKey / User / Organization are owned by the
// relational store; the core holds short-lived detached copies").
type User struct {
	ID     UserID
	Phone  PhoneNumber
	Role   Role
	Active bool
	OrgID  OrgID // zero value if the user belongs to no organization
}

// Organization is a short-lived detached copy of a relational
// organizations row.
type Organization struct {
	ID     OrgID
	Name   string
	Expiry time.Time // zero value means no expiry
	Locked bool
}

// IsEffectivelyDisabled reports whether membership in this organization
// disables its members, per spec.md §3: "if lock=true or expiry<now, all
// members are effectively disabled".
func (o Organization) IsEffectivelyDisabled(now time.Time) bool {
	if o.Locked {
		return true
	}
	return !o.Expiry.IsZero() && o.Expiry.Before(now)
}

// ApiKey is a short-lived detached copy of a relational api_keys row. The
// opaque secret itself is never held here — only its hash, compared
// against what the caller presented (spec.md §3: "opaque printable secret
// (prefixed) ... never mutated except usage count, active flag, and on
// revoke").
type ApiKey struct {
	ID         ApiKeyID
	OrgID      OrgID // zero value if not scoped to an organization
	QuotaLimit int64 // only consulted when HasQuota is true; HasQuota false means unlimited
	UsageCount int64
	Active     bool
	Expiry     time.Time // zero value means no expiry
	HasQuota   bool
}

// IsUsable reports whether the key may be used to authorize a request,
// per spec.md §3's invariant: "usage_count <= quota_limit when
// quota_limit set; once violated the key is refused until manually
// raised".
func (k ApiKey) IsUsable(now time.Time) bool {
	if !k.Active {
		return false
	}
	if !k.Expiry.IsZero() && k.Expiry.Before(now) {
		return false
	}
	if k.HasQuota && k.UsageCount >= k.QuotaLimit {
		return false
	}
	return true
}

// QuotaState summarizes the admission decision the Request Authenticator
// makes once per request entry (SPEC_FULL.md §4.7): whether the caller is
// presently within quota and, if bounded, how much headroom remains.
type QuotaState struct {
	Unlimited bool
	Limit     int64
	Used      int64
}

// Remaining reports the number of calls left before QuotaExceeded, or a
// negative number when Unlimited is true (callers should check Unlimited
// first).
func (q QuotaState) Remaining() int64 {
	if q.Unlimited {
		return -1
	}
	return q.Limit - q.Used
}
