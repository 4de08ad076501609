package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

func TestMachineForwardPath(t *testing.T) {
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	state := models.WorkflowState{RunID: "r1"}
	m := NewMachine(&state, func() time.Time { return end })

	assert.Equal(t, models.StatusPlanning, m.Status())
	for _, to := range stageOrder[1:] {
		require.NoError(t, m.Transition(to))
	}

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, []string{"planning", "decomposing", "researching", "validating", "assembling"}, state.StepsCompleted)
	require.NotNil(t, state.EndedAt)
	assert.Equal(t, end, *state.EndedAt)
	assert.Empty(t, state.Error)
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from models.WorkflowStatus
		to   models.WorkflowStatus
	}{
		{"skip stage", models.StatusPlanning, models.StatusResearching},
		{"backwards", models.StatusValidating, models.StatusResearching},
		{"re-enter", models.StatusResearching, models.StatusResearching},
		{"from completed", models.StatusCompleted, models.StatusFailed},
		{"from failed", models.StatusFailed, models.StatusPlanning},
		{"failed via transition", models.StatusPlanning, models.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := models.WorkflowState{Status: tt.from}
			m := NewMachine(&state, nil)
			err := m.Transition(tt.to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, state.Status)
			assert.Empty(t, state.StepsCompleted)
		})
	}
}

func TestMachineFail(t *testing.T) {
	state := models.WorkflowState{}
	m := NewMachine(&state, nil)
	require.NoError(t, m.Transition(models.StatusDecomposing))

	m.Fail(errors.New("boom"))
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, "boom", state.Error)
	assert.Equal(t, []string{"planning"}, state.StepsCompleted)
	require.NotNil(t, state.EndedAt)

	m.Fail(errors.New("again"))
	assert.Equal(t, "boom", state.Error)
}

func TestMachineFailIgnoredWhenCompleted(t *testing.T) {
	state := models.WorkflowState{Status: models.StatusCompleted}
	m := NewMachine(&state, nil)
	m.Fail(errors.New("late"))
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Empty(t, state.Error)
}
