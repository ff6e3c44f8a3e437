// Package capability decides which roles may perform which workflow actions
// and from which case statuses. The defaults can be narrowed or widened per
// deployment with a static YAML file.
package capability

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/pitabwire/caseflow/model"
	"gopkg.in/yaml.v3"
)

// Reasons returned with guard rejections.
const (
	ReasonRoleDenied   = "actor lacks required role for this transition"
	ReasonStateInvalid = "action is not allowed from the current case status"
)

// Guard describes a single workflow action: the statuses it may start from,
// the roles allowed to perform it, and the status it leads to. An empty From
// means any status. An empty To leaves the status unchanged.
type Guard struct {
	From            []model.CaseStatus
	Roles           []model.Role
	To              model.CaseStatus
	ExcludeTerminal bool
}

// allowsFrom reports whether the guard permits starting from s.
func (g Guard) allowsFrom(s model.CaseStatus) bool {
	if g.ExcludeTerminal && s.Terminal() {
		return false
	}
	if len(g.From) == 0 {
		return true
	}
	return slices.Contains(g.From, s)
}

// DefaultGuards returns the built-in guard table.
func DefaultGuards() map[model.Action]Guard {
	return map[model.Action]Guard{
		model.ActionCreate: {
			Roles: []model.Role{model.RoleRadiologist, model.RoleClinician},
			To:    model.CaseStatusDraft,
		},
		model.ActionReview: {
			From:  []model.CaseStatus{model.CaseStatusDraft},
			Roles: []model.Role{model.RoleRadiologist},
			To:    model.CaseStatusInReview,
		},
		model.ActionApprove: {
			From:  []model.CaseStatus{model.CaseStatusInReview},
			Roles: []model.Role{model.RoleClinician, model.RoleRadiologist},
			To:    model.CaseStatusApproved,
		},
		model.ActionFinalize: {
			From:  []model.CaseStatus{model.CaseStatusApproved},
			Roles: []model.Role{model.RoleAdmin, model.RoleRadiologist},
			To:    model.CaseStatusFinalized,
		},
		model.ActionReject: {
			From:  []model.CaseStatus{model.CaseStatusDraft, model.CaseStatusInReview, model.CaseStatusApproved},
			Roles: []model.Role{model.RoleClinician, model.RoleRadiologist, model.RoleAdmin},
			To:    model.CaseStatusRejected,
		},
		model.ActionArchive: {
			Roles: []model.Role{model.RoleAdmin},
			To:    model.CaseStatusArchived,
		},
		model.ActionComment: {
			Roles: []model.Role{model.RoleRadiologist, model.RoleClinician, model.RoleAdmin},
		},
		model.ActionRequestConsultation: {
			Roles:           []model.Role{model.RoleRadiologist, model.RoleClinician},
			ExcludeTerminal: true,
		},
	}
}

type policyFile struct {
	Actions map[string][]string `yaml:"actions"`
}

// Policy evaluates workflow guards. It is safe for concurrent use; Sync may
// swap the table while checks are running.
type Policy struct {
	path   string
	mu     sync.RWMutex
	guards map[model.Action]Guard
}

// DefaultPolicy returns a policy using DefaultGuards.
func DefaultPolicy() *Policy {
	return &Policy{guards: DefaultGuards()}
}

// LoadPolicy creates a policy whose role lists are overridden by the YAML
// file at path. Actions missing from the file keep their default roles.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{path: path, guards: DefaultGuards()}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Sync reloads the policy file from disk. It is a no-op for policies built
// without a file.
func (p *Policy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	guards := DefaultGuards()
	for name, roles := range f.Actions {
		action := model.Action(name)
		g, ok := guards[action]
		if !ok {
			return fmt.Errorf("capability: policy file %s: unknown action %q", p.path, name)
		}
		g.Roles = make([]model.Role, 0, len(roles))
		for _, r := range roles {
			role := model.Role(r)
			if !role.Valid() {
				return fmt.Errorf("capability: policy file %s: action %q: unknown role %q", p.path, name, r)
			}
			g.Roles = append(g.Roles, role)
		}
		guards[action] = g
	}

	p.mu.Lock()
	p.guards = guards
	p.mu.Unlock()

	return nil
}

// Guard returns the guard for action.
func (p *Policy) Guard(action model.Action) (Guard, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.guards[action]
	return g, ok
}

// RoleAllowed reports whether role may perform action. Admin is always
// allowed.
func (p *Policy) RoleAllowed(action model.Action, role model.Role) bool {
	if role == model.RoleAdmin {
		return true
	}
	g, ok := p.Guard(action)
	if !ok {
		return false
	}
	return slices.Contains(g.Roles, role)
}

// Check evaluates action for an actor with role on a case currently in
// status. The role is checked before the status. Admin bypasses both.
// Existence of the case is the caller's concern.
func (p *Policy) Check(action model.Action, role model.Role, status model.CaseStatus) *model.ErrorEnvelope {
	g, ok := p.Guard(action)
	if !ok {
		return model.NewBadRequestError(fmt.Sprintf("unknown action %q", action))
	}
	if role == model.RoleAdmin {
		return nil
	}
	if !slices.Contains(g.Roles, role) {
		return model.NewUnauthorizedError(ReasonRoleDenied)
	}
	if action != model.ActionCreate && !g.allowsFrom(status) {
		return model.NewInvalidTransitionError(fmt.Sprintf("%s: %s is not allowed from %s", ReasonStateInvalid, action, status))
	}
	return nil
}

// Target returns the status action leads to from current.
func (p *Policy) Target(action model.Action, current model.CaseStatus) model.CaseStatus {
	g, ok := p.Guard(action)
	if !ok || g.To == "" {
		return current
	}
	return g.To
}
