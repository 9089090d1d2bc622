package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreSnapshot_FromJSON(t *testing.T) {
	// Records come back from storage as JSON; numbers are float64 and unknown
	// keys must survive a load/save cycle.
	raw := `{
		"id": "s1", "branch_id": "b1", "step_index": 3,
		"epics": [{"id": "e1", "name": "Initial", "source": "app", "completed": false, "complexity": "hard"}],
		"tasks": [{"id": "t1", "description": "Login", "status": "in_progress", "test_instructions": ["open /login"]}],
		"steps": [
			{"id": "st1", "type": "command", "completed": false, "command": {"command": "npm test", "timeout": 60}},
			{"id": "st2", "type": "save_file", "completed": true, "save_file": {"path": "src/app.js"}},
			{"id": "st3", "type": "human_intervention", "completed": false, "human_intervention_description": "Set API key"},
			{"id": "st4", "type": "review_task", "completed": false}
		],
		"iterations": [{"id": "i1", "status": "check_logs", "bug_hunting_cycles": [{"logs": "x"}], "attempts": 2}],
		"knowledge_base": {"pages": ["home"]},
		"relevant_files": null,
		"modified_files": {"src/app.js": ""},
		"docs": null
	}`
	var rec domain.SnapshotRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	s, err := domain.RestoreSnapshot(rec, nil, nil)
	require.NoError(t, err)

	task, ok := s.CurrentTask()
	require.True(t, ok)
	assert.Equal(t, domain.TaskInProgress, task.Status)
	assert.Equal(t, []any{"open /login"}, task.Extra["test_instructions"])

	step, ok := s.CurrentStep()
	require.True(t, ok)
	cmd, ok := step.Command()
	require.True(t, ok)
	assert.Equal(t, domain.CommandPayload{Command: "npm test", Timeout: 60}, cmd)

	steps := s.Steps()
	hi, ok := steps[2].HumanIntervention()
	require.True(t, ok)
	assert.Equal(t, "Set API key", hi.Description)
	assert.Equal(t, domain.EmptyPayload{}, steps[3].Payload)

	it, ok := s.CurrentIteration()
	require.True(t, ok)
	assert.Len(t, it.BugHuntingCycles, 1)
	assert.Nil(t, s.RelevantFiles())
	assert.Nil(t, s.Docs())

	back, _ := s.Record()
	assert.Equal(t, "hard", back.Epics[0]["complexity"])
	assert.Equal(t, float64(2), back.Iterations[0]["attempts"])
	assert.Equal(t, map[string]any{"command": "npm test", "timeout": 60, "success_message": ""}, back.Steps[0]["command"])
}

func TestRestoreSnapshot_Validation(t *testing.T) {
	tests := []struct {
		name string
		rec  domain.SnapshotRecord
	}{
		{"Missing Branch", domain.SnapshotRecord{ID: "s1", StepIndex: 1}},
		{"Zero Step Index", domain.SnapshotRecord{ID: "s1", BranchID: "b1"}},
		{"Task Without Status", domain.SnapshotRecord{ID: "s1", BranchID: "b1", StepIndex: 1,
			Tasks: []map[string]any{{"id": "t1"}}}},
		{"Command Step Without Command", domain.SnapshotRecord{ID: "s1", BranchID: "b1", StepIndex: 1,
			Steps: []map[string]any{{"id": "st1", "type": "command"}}}},
		{"Save File Step Without Path", domain.SnapshotRecord{ID: "s1", BranchID: "b1", StepIndex: 1,
			Steps: []map[string]any{{"id": "st1", "type": "save_file", "save_file": map[string]any{}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.RestoreSnapshot(tt.rec, nil, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidRecord)
		})
	}
}

func TestFolderName(t *testing.T) {
	assert.Equal(t, "my-todo-app", domain.FolderName("  My Todo App! "))
	assert.Equal(t, "project", domain.FolderName("???"))
}
