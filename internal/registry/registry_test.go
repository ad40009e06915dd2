package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/convoyhq/convoy/pkg/models"
)

const catalogYAML = `
capabilities:
  - agent_name: email_agent
    tool_name: search_inbox
    description: Search the inbox
    risk_level: low
    reversible: true
    keywords: [email, inbox]
  - agent_name: email_agent
    tool_name: send_email
    description: Send an email
    risk_level: high
    reversible: false
    requires_draft: create_draft
  - agent_name: calendar_agent
    tool_name: find_slots
    description: Find free slots
    risk_level: low
    reversible: true
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	reg, err := Load(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer reg.Close()

	if got := reg.AgentNames(); !reflect.DeepEqual(got, []string{"calendar_agent", "email_agent"}) {
		t.Errorf("AgentNames = %v", got)
	}

	cap, ok := reg.Find("email_agent", "send_email")
	if !ok {
		t.Fatal("send_email should be present")
	}
	if !cap.DraftGated() {
		t.Error("send_email should be draft-gated")
	}

	if _, ok := reg.Find("email_agent", "shred_files"); ok {
		t.Error("unknown tool should be absent")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
	}{
		{
			name: "missing tool name",
			catalog: `
capabilities:
  - agent_name: email_agent
    risk_level: low
`,
		},
		{
			name: "unknown risk level",
			catalog: `
capabilities:
  - agent_name: email_agent
    tool_name: search_inbox
    risk_level: extreme
`,
		},
		{
			name: "duplicate entry",
			catalog: `
capabilities:
  - agent_name: email_agent
    tool_name: search_inbox
    risk_level: low
  - agent_name: email_agent
    tool_name: search_inbox
    risk_level: low
`,
		},
		{
			name: "draft requirement on non-high tool",
			catalog: `
capabilities:
  - agent_name: email_agent
    tool_name: send_email
    risk_level: medium
    requires_draft: create_draft
`,
		},
		{
			name:    "not yaml",
			catalog: `{{{`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeCatalog(t, tt.catalog)); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}

func TestLookup_UnknownAgentIsAbsent(t *testing.T) {
	reg, err := Load(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer reg.Close()

	got := reg.Lookup([]string{"email_agent", "fax_agent"})
	if len(got) != 1 {
		t.Fatalf("lookup returned %d agents, want 1", len(got))
	}
	if len(got["email_agent"]) != 2 {
		t.Errorf("email_agent capabilities = %d, want 2", len(got["email_agent"]))
	}
	if _, present := got["fax_agent"]; present {
		t.Error("unknown agent must be absent, not empty")
	}
}

func TestReload_KeepsOldSnapshotOnFailure(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer reg.Close()

	// Corrupt the file, then attempt a reload: the registry must keep
	// serving the last good snapshot.
	if err := os.WriteFile(path, []byte("capabilities: ["), 0o644); err != nil {
		t.Fatalf("corrupt catalog: %v", err)
	}
	if err := reg.reload(); err == nil {
		t.Fatal("reload of a corrupt catalog should fail")
	}

	if _, ok := reg.Find("email_agent", "search_inbox"); !ok {
		t.Error("old snapshot lost after failed reload")
	}
}

func TestFromCapabilities(t *testing.T) {
	reg := FromCapabilities([]models.AgentCapability{
		{AgentName: "a", ToolName: "t", RiskLevel: models.RiskLow},
	})
	if _, ok := reg.Find("a", "t"); !ok {
		t.Error("capability should be present")
	}
}
