package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/model"
)

func TestPolicy_Check_defaultTable(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		action model.Action
		role   model.Role
		status model.CaseStatus
		want   string
	}{
		{model.ActionCreate, model.RoleRadiologist, "", ""},
		{model.ActionCreate, model.RoleTechnician, "", model.ErrUnauthorized},
		{model.ActionReview, model.RoleRadiologist, model.CaseStatusDraft, ""},
		{model.ActionReview, model.RoleClinician, model.CaseStatusDraft, model.ErrUnauthorized},
		{model.ActionReview, model.RoleRadiologist, model.CaseStatusApproved, model.ErrInvalidTransition},
		{model.ActionApprove, model.RoleClinician, model.CaseStatusInReview, ""},
		{model.ActionApprove, model.RoleRadiologist, model.CaseStatusDraft, model.ErrInvalidTransition},
		{model.ActionFinalize, model.RoleRadiologist, model.CaseStatusApproved, ""},
		{model.ActionFinalize, model.RoleClinician, model.CaseStatusApproved, model.ErrUnauthorized},
		{model.ActionReject, model.RoleClinician, model.CaseStatusInReview, ""},
		{model.ActionReject, model.RoleClinician, model.CaseStatusFinalized, model.ErrInvalidTransition},
		{model.ActionArchive, model.RoleRadiologist, model.CaseStatusDraft, model.ErrUnauthorized},
		{model.ActionArchive, model.RoleAdmin, model.CaseStatusFinalized, ""},
		{model.ActionComment, model.RoleClinician, model.CaseStatusFinalized, ""},
		{model.ActionComment, model.RoleViewer, model.CaseStatusDraft, model.ErrUnauthorized},
		{model.ActionRequestConsultation, model.RoleClinician, model.CaseStatusApproved, ""},
		{model.ActionRequestConsultation, model.RoleClinician, model.CaseStatusRejected, model.ErrInvalidTransition},
		{model.ActionReview, model.RoleAdmin, model.CaseStatusFinalized, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.action)+"/"+string(tt.role)+"/"+string(tt.status), func(t *testing.T) {
			got := p.Check(tt.action, tt.role, tt.status)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Code)
		})
	}
}

func TestPolicy_Check_roleBeforeState(t *testing.T) {
	got := DefaultPolicy().Check(model.ActionReview, model.RoleViewer, model.CaseStatusFinalized)
	require.NotNil(t, got)
	assert.Equal(t, model.ErrUnauthorized, got.Code)
	assert.Equal(t, ReasonRoleDenied, got.Message)
}

func TestPolicy_Check_unknownAction(t *testing.T) {
	got := DefaultPolicy().Check("delete", model.RoleAdmin, model.CaseStatusDraft)
	require.NotNil(t, got)
	assert.Equal(t, model.ErrBadRequest, got.Code)
}

func TestPolicy_Target(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, model.CaseStatusInReview, p.Target(model.ActionReview, model.CaseStatusDraft))
	assert.Equal(t, model.CaseStatusApproved, p.Target(model.ActionComment, model.CaseStatusApproved))
	assert.Equal(t, model.CaseStatusArchived, p.Target(model.ActionArchive, model.CaseStatusRejected))
}

func TestPolicy_RoleAllowed(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.RoleAllowed(model.ActionArchive, model.RoleAdmin))
	assert.True(t, p.RoleAllowed(model.ActionApprove, model.RoleClinician))
	assert.False(t, p.RoleAllowed(model.ActionApprove, model.RoleViewer))
	assert.False(t, p.RoleAllowed("delete", model.RoleViewer))
}

func TestLoadPolicy_overridesRoles(t *testing.T) {
	p, err := LoadPolicy("testdata/policy.yaml")
	require.NoError(t, err)

	assert.False(t, p.RoleAllowed(model.ActionApprove, model.RoleRadiologist))
	assert.True(t, p.RoleAllowed(model.ActionApprove, model.RoleClinician))
	assert.True(t, p.RoleAllowed(model.ActionComment, model.RoleTechnician))
	assert.True(t, p.RoleAllowed(model.ActionReview, model.RoleRadiologist), "unlisted actions keep defaults")

	g, ok := p.Guard(model.ActionApprove)
	require.True(t, ok)
	assert.Equal(t, model.CaseStatusApproved, g.To, "overrides only touch roles")
}

func TestLoadPolicy_errors(t *testing.T) {
	_, err := LoadPolicy("testdata/missing.yaml")
	assert.Error(t, err)

	_, err = LoadPolicy("testdata/bad_role.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "janitor")
}

func TestPolicy_Sync_reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("actions:\n  review: [radiologist]\n"), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.False(t, p.RoleAllowed(model.ActionReview, model.RoleClinician))

	require.NoError(t, os.WriteFile(path, []byte("actions:\n  review: [radiologist, clinician]\n"), 0o600))
	require.NoError(t, p.Sync())
	assert.True(t, p.RoleAllowed(model.ActionReview, model.RoleClinician))
}
