package model

import "time"

// CaseStatus is the lifecycle status of a case under review.
type CaseStatus string

// Case status constants.
const (
	CaseStatusDraft     CaseStatus = "draft"
	CaseStatusInReview  CaseStatus = "in_review"
	CaseStatusApproved  CaseStatus = "approved"
	CaseStatusFinalized CaseStatus = "finalized"
	CaseStatusRejected  CaseStatus = "rejected"
	CaseStatusArchived  CaseStatus = "archived"
)

// Terminal reports whether no further lifecycle progress is expected from s.
func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseStatusFinalized, CaseStatusRejected, CaseStatusArchived:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusDraft, CaseStatusInReview, CaseStatusApproved,
		CaseStatusFinalized, CaseStatusRejected, CaseStatusArchived:
		return true
	}
	return false
}

// Action is a workflow operation an actor performs on a case.
type Action string

// Workflow actions.
const (
	ActionCreate              Action = "create"
	ActionReview              Action = "review"
	ActionApprove             Action = "approve"
	ActionFinalize            Action = "finalize"
	ActionReject              Action = "reject"
	ActionArchive             Action = "archive"
	ActionComment             Action = "comment"
	ActionRequestConsultation Action = "request_consultation"
)

// Actions lists every known action in lifecycle order.
var Actions = []Action{
	ActionCreate,
	ActionReview,
	ActionApprove,
	ActionFinalize,
	ActionReject,
	ActionArchive,
	ActionComment,
	ActionRequestConsultation,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ChangesStatus reports whether a moves the case to a new status.
// Comment and consultation requests only annotate the case.
func (a Action) ChangesStatus() bool {
	return a != ActionComment && a != ActionRequestConsultation
}

// Role is the closed set of reviewer roles.
type Role string

// Roles.
const (
	RoleAdmin       Role = "admin"
	RoleRadiologist Role = "radiologist"
	RoleClinician   Role = "clinician"
	RoleTechnician  Role = "technician"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleRadiologist, RoleClinician, RoleTechnician, RoleViewer:
		return true
	}
	return false
}

// Actor is a person or service account that performs workflow actions.
type Actor struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name,omitempty" yaml:"name"`
	Role   Role   `json:"role" yaml:"role"`
	Active bool   `json:"active" yaml:"active"`
}

// Step status constants.
const (
	StepStatusPending   = "pending"
	StepStatusCompleted = "completed"
)

// Comment is an append-only remark attached to a step.
type Comment struct {
	ActorID   string    `json:"actor_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one named, auditable stage of a case's review lifecycle.
type Step struct {
	Name          Action     `json:"name"`
	RequiredRoles []Role     `json:"required_roles,omitempty"`
	Status        string     `json:"status"`
	CompletedBy   string     `json:"completed_by,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Comments      []Comment  `json:"comments,omitempty"`
}

// Case is the unit of clinical review work tracked by the workflow.
type Case struct {
	ID        string         `json:"id"`
	Status    CaseStatus     `json:"status"`
	Steps     []Step         `json:"steps"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   int            `json:"version"`
}

// Clone returns a deep copy of c so that mutations on the copy never leak
// into the original.
func (c Case) Clone() Case {
	out := c
	if c.Steps != nil {
		out.Steps = make([]Step, len(c.Steps))
		for i, s := range c.Steps {
			out.Steps[i] = s.clone()
		}
	}
	if c.Metadata != nil {
		out.Metadata = cloneMap(c.Metadata)
	}
	return out
}

// Step returns the step with the given name, or nil.
func (c *Case) Step(name Action) *Step {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return &c.Steps[i]
		}
	}
	return nil
}

// CurrentStep returns the most recently completed step, falling back to the
// last step when none has completed yet. It returns nil for a case without
// steps.
func (c *Case) CurrentStep() *Step {
	for i := len(c.Steps) - 1; i >= 0; i-- {
		if c.Steps[i].Status == StepStatusCompleted {
			return &c.Steps[i]
		}
	}
	if len(c.Steps) == 0 {
		return nil
	}
	return &c.Steps[len(c.Steps)-1]
}

func (s Step) clone() Step {
	out := s
	if s.RequiredRoles != nil {
		out.RequiredRoles = append([]Role(nil), s.RequiredRoles...)
	}
	if s.Comments != nil {
		out.Comments = append([]Comment(nil), s.Comments...)
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
