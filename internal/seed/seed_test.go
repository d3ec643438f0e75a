package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const devManifest = `
tenants:
  - id: t-dev
    name: devtenant
    fleets:
      - id: f-dev
        name: workbench
        keys:
          - type: live
          - type: test
        agents:
          - name: pathfinder
            framework: langchain
            capabilities: [search, browse]
            squad: scouts
        invites:
          - code: inv_demo
            max_uses: 3
            ttl: 24h
`

func TestLoadAndApply(t *testing.T) {
	m, err := Load(writeManifest(t, devManifest))
	require.NoError(t, err)

	ctx := context.Background()
	store := directory.NewMemoryStore()
	sum, err := Apply(ctx, store, m, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, Summary{Tenants: 1, Fleets: 1, Keys: 2, Agents: 1, Invites: 1}, *sum)

	_, err = store.GetTenant(ctx, "t-dev")
	assert.NoError(t, err)

	agent, err := store.GetAgentByName(ctx, "f-dev", "pathfinder")
	require.NoError(t, err)
	assert.Equal(t, "scouts", agent.SquadID)
	assert.Len(t, agent.Capabilities, 2)

	invite, err := store.RedeemInviteCode(ctx, "inv_demo")
	require.NoError(t, err)
	assert.Equal(t, 1, invite.Uses)
	assert.Equal(t, 3, invite.MaxUses)
	require.NotNil(t, invite.ExpiresAt, "invite ttl not applied")
}

func TestLoadRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "tenant without name",
			content: "tenants:\n  - plan: free\n",
			wantErr: "name is required",
		},
		{
			name:    "fleet without name",
			content: "tenants:\n  - name: acme\n    fleets:\n      - keys: [{type: live}]\n",
			wantErr: "name is required",
		},
		{
			name:    "invite without code",
			content: "tenants:\n  - name: acme\n    fleets:\n      - name: prod\n        invites:\n          - max_uses: 1\n",
			wantErr: "invite codes must be set",
		},
		{
			name:    "bad invite ttl",
			content: "tenants:\n  - name: acme\n    fleets:\n      - name: prod\n        invites:\n          - code: inv_x\n            ttl: tomorrow\n",
			wantErr: "bad ttl",
		},
		{
			name:    "not yaml",
			content: "{tenants: [",
			wantErr: "parsing seed manifest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
