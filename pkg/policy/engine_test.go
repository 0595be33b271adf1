package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/resource"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func cloneInput(stewardship resource.Stewardship, kind resource.Kind, instr resource.CloningInstructions, name string) CloneInput {
	src := &resource.Resource{
		WorkspaceID:         uuid.New(),
		ResourceID:          uuid.New(),
		Stewardship:         stewardship,
		Kind:                kind,
		CloningInstructions: resource.CopyResource,
	}
	return NewCloneInput(src, instr, uuid.New(), name)
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		assert.True(t, p.Builtin)
		assert.True(t, p.Enabled)
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"destination-name", "instance-clone", "known-instructions", "referenced-copy"}, names)
}

func TestEvaluateClone(t *testing.T) {
	tests := []struct {
		name        string
		input       CloneInput
		allowed     bool
		deniedBy    string
		wantMessage string
	}{
		{
			name:    "controlled bucket copy resource",
			input:   cloneInput(resource.StewardshipControlled, resource.KindBucket, resource.CopyResource, "copy"),
			allowed: true,
		},
		{
			name:    "controlled dataset copy definition",
			input:   cloneInput(resource.StewardshipControlled, resource.KindDataset, resource.CopyDefinition, "copy"),
			allowed: true,
		},
		{
			name:    "referenced bucket copy reference",
			input:   cloneInput(resource.StewardshipReferenced, resource.KindBucket, resource.CopyReference, "ref"),
			allowed: true,
		},
		{
			name:    "copy nothing needs no name",
			input:   cloneInput(resource.StewardshipControlled, resource.KindBucket, resource.CopyNothing, ""),
			allowed: true,
		},
		{
			name:     "referenced bucket copy resource",
			input:    cloneInput(resource.StewardshipReferenced, resource.KindBucket, resource.CopyResource, "copy"),
			deniedBy: "referenced-copy",
		},
		{
			name:     "instance copy definition",
			input:    cloneInput(resource.StewardshipControlled, resource.KindInstance, resource.CopyDefinition, "vm"),
			deniedBy: "instance-clone",
		},
		{
			name:        "missing destination name",
			input:       cloneInput(resource.StewardshipControlled, resource.KindDataset, resource.CopyResource, ""),
			deniedBy:    "destination-name",
			wantMessage: "destination name is required",
		},
		{
			name:     "unknown instructions",
			input:    cloneInput(resource.StewardshipControlled, resource.KindBucket, resource.CloningInstructions("COPY_EVERYTHING"), "copy"),
			deniedBy: "known-instructions",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateClone(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Len(t, decision.EvaluatedPolicies, 4)

			if tt.allowed {
				assert.Empty(t, decision.Violations)
				return
			}
			require.NotEmpty(t, decision.Violations)
			var policies []string
			for _, v := range decision.Violations {
				policies = append(policies, v.Policy)
			}
			assert.Contains(t, policies, tt.deniedBy)
			if tt.wantMessage != "" {
				assert.Contains(t, decision.Messages(), tt.wantMessage)
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := cloneInput(resource.StewardshipControlled, resource.KindInstance, resource.CopyResource, "vm")

	require.NoError(t, eng.DisablePolicy("instance-clone"))
	decision, err := eng.EvaluateClone(ctx, input)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotContains(t, decision.EvaluatedPolicies, "instance-clone")

	require.NoError(t, eng.EnablePolicy("instance-clone"))
	decision, err = eng.EvaluateClone(ctx, input)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	assert.Error(t, eng.EnablePolicy("does-not-exist"))
	_, err = eng.GetPolicy("does-not-exist")
	assert.Error(t, err)
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	blocked := uuid.New()

	dir := t.TempDir()
	rego := `# Clones into the blocked workspace are rejected.
package wsm.clone

import rego.v1

deny contains {"msg": "workspace is read-only"} if {
	input.destination.workspace_id == "` + blocked.String() + `"
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "read-only.rego"), []byte(rego), 0o644))

	require.NoError(t, eng.LoadPolicies(ctx, []string{dir}))

	p, err := eng.GetPolicy("read-only")
	require.NoError(t, err)
	assert.False(t, p.Builtin)
	assert.Equal(t, "Clones into the blocked workspace are rejected.", p.Description)

	src := &resource.Resource{
		WorkspaceID: uuid.New(), ResourceID: uuid.New(),
		Stewardship: resource.StewardshipControlled, Kind: resource.KindBucket,
	}
	decision, err := eng.EvaluateClone(ctx, NewCloneInput(src, resource.CopyResource, blocked, "copy"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"workspace is read-only"}, decision.Messages())

	decision, err = eng.EvaluateClone(ctx, NewCloneInput(src, resource.CopyResource, uuid.New(), "copy"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestApply_RejectsInvalidPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.Apply(ctx, []Policy{{Name: "broken", Rego: "package wsm.clone\n\ndeny contains msg if {", Enabled: true}})
	assert.Error(t, err)

	err = eng.Apply(ctx, []Policy{{Name: "elsewhere", Rego: "package other\n\nimport rego.v1\n\ndeny contains \"x\" if { true }", Enabled: true}})
	assert.ErrorContains(t, err, "wsm.clone")

	_, err = eng.GetPolicy("broken")
	assert.Error(t, err)
	assert.Len(t, eng.ListPolicies(), 4)
}

func TestViolationMessage(t *testing.T) {
	assert.Equal(t, "plain", violationMessage("plain"))
	assert.Equal(t, "from msg", violationMessage(map[string]interface{}{"msg": "from msg"}))
	assert.Equal(t, "from message", violationMessage(map[string]interface{}{"message": "from message"}))
	assert.Equal(t, "42", violationMessage(42))
}
