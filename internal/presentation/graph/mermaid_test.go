package graph_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/presentation/graph"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

func TestGenerateMermaid(t *testing.T) {
	snap := domain.NewSnapshot("b1")
	require.NoError(t, snap.SetEpics([]domain.Epic{
		{Name: "Initial", Source: "app", Completed: true},
		{Name: "Add \"login\"", Source: "feature"},
	}))
	require.NoError(t, snap.SetTasks([]domain.Task{
		{Description: "scaffold", Status: domain.TaskDone},
		{Description: "routes"},
	}))
	require.NoError(t, snap.SetSteps([]domain.Step{
		{Kind: domain.StepSaveFile, Payload: domain.SaveFilePayload{Path: "app.js"}},
		{Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "npm test"}},
		{Kind: domain.StepHumanIntervention, Payload: domain.HumanInterventionPayload{}},
	}))

	out := graph.GenerateMermaid(snap)

	tests := []struct {
		name     string
		contains []string
	}{
		{"epic shapes", []string{`epic0(("Initial"))`, `epic1(("Add 'login'"))`, "epic0 --> epic1"}},
		{"tasks hang off the current epic", []string{`task0["scaffold"]`, "epic1 -.-> task0", "task0 --> task1"}},
		{"step shapes", []string{`step0["save app.js"]`, `step1[["npm test"]]`, `step2[/"human_intervention"/]`, "task1 -.-> step0"}},
		{"progress", []string{"class epic0 done;", "class task0 done;", "class epic1 current;", "class task1 current;", "class step0 current;"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
}

func TestGenerateMermaid_Empty(t *testing.T) {
	out := graph.GenerateMermaid(domain.NewSnapshot("b1"))
	assert.Equal(t, "graph TD\n", out)
}
