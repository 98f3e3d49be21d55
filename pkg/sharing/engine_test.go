package sharing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/log"
	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/messaging/gochannel"
	"github.com/openmined/flowmesh/pkg/models"
)

func testBus(t *testing.T) messaging.Bus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	return messaging.NewWatermillBus(pub, sub)
}

func testSession(t *testing.T) (*models.Session, *flow.Roster) {
	t.Helper()

	spec := &models.FlowSpec{
		Name:      "secure-sum",
		Datasites: models.Datasites{All: []string{"contributor1", "aggregator"}},
		Steps: []*models.Step{
			{
				ID:   "generate",
				Uses: "generate",
				Run:  &models.RunSpec{Targets: "contributors"},
				Share: map[string]*models.ShareSpec{
					"numbers": {
						Source:      "outputs/numbers.json",
						Permissions: models.Permissions{Read: []string{"aggregator"}},
					},
				},
			},
		},
	}

	participants := []models.Participant{
		{Identity: "alice@example.com", Role: "contributor1"},
		{Identity: "carol@example.com", Role: "aggregator"},
	}

	session := &models.Session{
		FlowName:     "secure-sum",
		SessionID:    "session-1",
		RunID:        "session-1",
		Participants: participants,
		FlowSpec:     spec,
		SelfIdentity: "alice@example.com",
		SelfRole:     "contributor1",
	}

	roster, err := flow.NewRoster(spec, participants, "alice@example.com")
	require.NoError(t, err)

	return session, roster
}

func writeArtifact(t *testing.T, workDir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "outputs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "outputs", "numbers.json"), []byte(`{"numbers":[1,2]}`), 0o644))
}

func TestShareStep_MaterializesArtifactsAndACL(t *testing.T) {
	root := t.TempDir()
	layout := datasite.NewLayout(root, "alice@example.com")
	session, roster := testSession(t)
	engine := NewEngine(layout, testBus(t), log.WithModule("test"))

	workDir := t.TempDir()
	writeArtifact(t, workDir)

	step := session.FlowSpec.StepByID("generate")

	manifest, performed, err := engine.ShareStep(t.Context(), session, roster, step, workDir)
	require.NoError(t, err)
	assert.True(t, performed)
	require.NotNil(t, manifest)

	runDir := layout.OwnFlowRunDir("secure-sum", "session-1")
	stepDir := layout.StepDir(runDir, 1, "generate")

	assert.FileExists(t, filepath.Join(stepDir, "numbers.json"))
	assert.FileExists(t, filepath.Join(stepDir, datasite.ManifestFileName))

	descriptor, err := datasite.ReadDescriptor(stepDir)
	require.NoError(t, err)
	assert.True(t, descriptor.CanRead("carol@example.com", "numbers.json"))
	assert.True(t, descriptor.CanRead("alice@example.com", "numbers.json"))
	assert.False(t, descriptor.CanRead("mallory@example.com", "numbers.json"))

	require.Len(t, manifest.Artifacts, 1)
	assert.Equal(t, "numbers", manifest.Artifacts[0].Name)
	assert.Equal(t, "numbers.json", manifest.Artifacts[0].Dest)
	assert.Equal(t, []string{"carol@example.com"}, manifest.Readers)
}

func TestShareStep_IsIdempotent(t *testing.T) {
	layout := datasite.NewLayout(t.TempDir(), "alice@example.com")
	session, roster := testSession(t)
	engine := NewEngine(layout, testBus(t), log.WithModule("test"))

	workDir := t.TempDir()
	writeArtifact(t, workDir)

	step := session.FlowSpec.StepByID("generate")

	first, performed, err := engine.ShareStep(t.Context(), session, roster, step, workDir)
	require.NoError(t, err)
	assert.True(t, performed)

	// Second call returns the stored manifest without re-copying.
	second, performed, err := engine.ShareStep(t.Context(), session, roster, step, workDir)
	require.NoError(t, err)
	assert.False(t, performed)
	assert.Equal(t, first.SharedAt.Unix(), second.SharedAt.Unix())
}

func TestShareStep_RewritesStaleDescriptor(t *testing.T) {
	layout := datasite.NewLayout(t.TempDir(), "alice@example.com")
	session, roster := testSession(t)
	engine := NewEngine(layout, testBus(t), log.WithModule("test"))

	runDir := layout.OwnFlowRunDir("secure-sum", "session-1")
	stepDir := layout.StepDir(runDir, 1, "generate")
	require.NoError(t, os.MkdirAll(stepDir, 0o755))

	// A leftover grant from an earlier attempt at the same path.
	stale := datasite.NewDescriptor("alice@example.com", []string{"mallory@example.com"})
	require.NoError(t, datasite.WriteDescriptor(stepDir, stale))

	workDir := t.TempDir()
	writeArtifact(t, workDir)

	_, _, err := engine.ShareStep(t.Context(), session, roster, session.FlowSpec.StepByID("generate"), workDir)
	require.NoError(t, err)

	descriptor, err := datasite.ReadDescriptor(stepDir)
	require.NoError(t, err)
	assert.False(t, descriptor.CanRead("mallory@example.com", "numbers.json"))
	assert.True(t, descriptor.CanRead("carol@example.com", "numbers.json"))
}

func TestShareStep_MissingArtifact(t *testing.T) {
	layout := datasite.NewLayout(t.TempDir(), "alice@example.com")
	session, roster := testSession(t)
	engine := NewEngine(layout, testBus(t), log.WithModule("test"))

	_, _, err := engine.ShareStep(t.Context(), session, roster, session.FlowSpec.StepByID("generate"), t.TempDir())
	require.ErrorIs(t, err, ErrArtifactMissing)
}

func TestShareStep_NoDeclaredOutputs(t *testing.T) {
	layout := datasite.NewLayout(t.TempDir(), "alice@example.com")
	session, roster := testSession(t)
	engine := NewEngine(layout, testBus(t), log.WithModule("test"))

	step := &models.Step{ID: "quiet", Run: &models.RunSpec{Targets: "all"}}

	manifest, performed, err := engine.ShareStep(t.Context(), session, roster, step, t.TempDir())
	require.NoError(t, err)
	assert.False(t, performed)
	assert.Nil(t, manifest)
}
