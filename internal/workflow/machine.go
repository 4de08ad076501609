package workflow

import (
	"fmt"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// stageOrder is the forward-only sequence of a successful run.
var stageOrder = []models.WorkflowStatus{
	models.StatusPlanning,
	models.StatusDecomposing,
	models.StatusResearching,
	models.StatusValidating,
	models.StatusAssembling,
	models.StatusCompleted,
}

// Machine drives one run's WorkflowState through its stages. It does no
// locking; the owner serializes calls.
type Machine struct {
	state *models.WorkflowState
	now   func() time.Time
}

// NewMachine wraps state. A zero status is treated as planning.
func NewMachine(state *models.WorkflowState, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	if state.Status == "" {
		state.Status = models.StatusPlanning
	}
	if state.StepsCompleted == nil {
		state.StepsCompleted = []string{}
	}
	return &Machine{state: state, now: now}
}

// Status returns the current stage.
func (m *Machine) Status() models.WorkflowStatus { return m.state.Status }

// Transition moves to the stage directly after the current one. The stage
// being left is appended to StepsCompleted.
func (m *Machine) Transition(to models.WorkflowStatus) error {
	from := m.state.Status
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == models.StatusFailed {
		return fmt.Errorf("%w: use Fail to enter %s", ErrInvalidTransition, to)
	}
	if next, ok := nextStage(from); !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.state.StepsCompleted = append(m.state.StepsCompleted, string(from))
	m.state.Status = to
	if to == models.StatusCompleted {
		m.state.CurrentTaskID = ""
		m.end()
	}
	return nil
}

// Fail moves a non-terminal run to failed and records err. Terminal runs
// are left untouched.
func (m *Machine) Fail(err error) {
	if m.state.Status.IsTerminal() {
		return
	}
	m.state.Status = models.StatusFailed
	if err != nil {
		m.state.Error = err.Error()
	}
	m.end()
}

func (m *Machine) end() {
	t := m.now()
	m.state.EndedAt = &t
}

func nextStage(s models.WorkflowStatus) (models.WorkflowStatus, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}
