package relevance

import (
	"context"
	"reflect"
	"testing"

	"github.com/convoyhq/convoy/internal/llm"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/internal/state"
	"github.com/convoyhq/convoy/pkg/models"
)

type fixedRunner struct {
	response string
	calls    int
}

func (r *fixedRunner) Run(ctx context.Context, model, system, prompt string) (string, llm.Usage, error) {
	r.calls++
	return r.response, llm.Usage{InputTokens: 20, OutputTokens: 5}, nil
}

func filterRegistry() *registry.Registry {
	return registry.FromCapabilities([]models.AgentCapability{
		{
			AgentName: "email_agent",
			ToolName:  "search_inbox",
			RiskLevel: models.RiskLow,
			Keywords:  []string{"email", "inbox", "mail"},
		},
		{
			AgentName: "calendar_agent",
			ToolName:  "find_slots",
			RiskLevel: models.RiskLow,
			Keywords:  []string{"calendar", "meeting", "schedule"},
		},
	})
}

func filterQuota(t *testing.T) *quota.Manager {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return quota.NewManager(quota.Limits{
		MaxTokensPerPlanning:      12_000,
		MaxTokensPerAgentCall:     8_000,
		MaxTokensPerUserPerDay:    100_000,
		MaxRequestsPerUserPerDay:  100,
		MaxTokensPerSystemPerHour: 500_000,
		MaxConcurrentWorkflows:    5,
	}, db)
}

func TestSelect_KeywordPassSkipsClassifier(t *testing.T) {
	runner := &fixedRunner{response: `["email_agent"]`}
	f := NewFilter(filterRegistry(), runner, filterQuota(t), "cheap-model")

	agents, err := f.Select(context.Background(), "u1", "wf", "find the invoice email from last week")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !reflect.DeepEqual(agents, []string{"email_agent"}) {
		t.Errorf("agents = %v", agents)
	}
	if runner.calls != 0 {
		t.Errorf("classifier called %d times despite keyword hit", runner.calls)
	}
}

func TestSelect_MultipleKeywordMatches(t *testing.T) {
	f := NewFilter(filterRegistry(), &fixedRunner{}, filterQuota(t), "cheap-model")

	agents, err := f.Select(context.Background(), "u1", "wf", "email the team about the meeting")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !reflect.DeepEqual(agents, []string{"calendar_agent", "email_agent"}) {
		t.Errorf("agents = %v", agents)
	}
}

func TestSelect_EscalatesToClassifier(t *testing.T) {
	runner := &fixedRunner{response: `["calendar_agent"]`}
	f := NewFilter(filterRegistry(), runner, filterQuota(t), "cheap-model")

	agents, err := f.Select(context.Background(), "u1", "wf", "when are we both free on thursday")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !reflect.DeepEqual(agents, []string{"calendar_agent"}) {
		t.Errorf("agents = %v", agents)
	}
	if runner.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", runner.calls)
	}
}

func TestSelect_EmptyResultIsLegal(t *testing.T) {
	runner := &fixedRunner{response: `[]`}
	f := NewFilter(filterRegistry(), runner, filterQuota(t), "cheap-model")

	agents, err := f.Select(context.Background(), "u1", "wf", "what is the capital of France")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("agents = %v, want none", agents)
	}
}

func TestParseAgents_DropsUnknownNames(t *testing.T) {
	f := NewFilter(filterRegistry(), &fixedRunner{}, filterQuota(t), "cheap-model")

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "unknown name dropped",
			raw:  `["email_agent", "fax_agent"]`,
			want: []string{"email_agent"},
		},
		{
			name: "prose around the array",
			raw:  "The relevant agents are:\n[\"calendar_agent\"]\nthanks",
			want: []string{"calendar_agent"},
		},
		{
			name: "no array at all",
			raw:  "none apply",
			want: nil,
		},
		{
			name: "malformed array",
			raw:  `["email_agent"`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.parseAgents(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseAgents(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
