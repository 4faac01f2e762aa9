package models

import (
	"time"
)

// ApprovalStatus is the lifecycle state of an approval request. Terminal
// statuses (approved, denied, expired) are final; the first decision wins.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status is final.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// ApprovalRequest is a queued high-impact operation awaiting a human decision.
type ApprovalRequest struct {
	ReqID       string         `json:"req_id"`
	OpID        string         `json:"op_id"`
	UserID      string         `json:"user_id"`
	Summary     string         `json:"summary"`
	CostUSD     float64        `json:"cost_usd"`
	RequestedTS time.Time      `json:"requested_ts"`
	Status      ApprovalStatus `json:"status"`
	DecidedTS   *time.Time     `json:"decided_ts,omitempty"`
	Decider     string         `json:"decider,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Role is a rung on the strict capability ladder.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

// rank orders roles for the ladder comparison. Unknown roles rank below user.
func (r Role) rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleOperator:
		return 2
	case RoleApprover:
		return 3
	case RoleAdmin:
		return 4
	}
	return 0
}

// AtLeast reports whether r subsumes the capabilities of min.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// RoleGrant binds a user to a role plus explicit scopes. Scopes are never
// merged across grants.
type RoleGrant struct {
	UserID string   `json:"user_id"`
	Role   Role     `json:"role"`
	Scopes []string `json:"scopes"`
}
