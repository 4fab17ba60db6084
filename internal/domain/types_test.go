package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildStatusIsTerminal(t *testing.T) {
	assert.True(t, BuildCompleted.IsTerminal())
	assert.True(t, BuildFailed.IsTerminal())
	assert.True(t, BuildManualInterventionRequired.IsTerminal())
	assert.False(t, BuildReceived.IsTerminal())
	assert.False(t, BuildProcessing.IsTerminal())
}

func TestTaskStatusIsTerminalAndActive(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskDeadLetter.IsTerminal())
	assert.False(t, TaskPending.IsTerminal())
	assert.False(t, TaskInProgress.IsTerminal())

	assert.True(t, TaskPending.IsActive())
	assert.True(t, TaskInProgress.IsActive())
	assert.False(t, TaskCompleted.IsActive())
	assert.False(t, TaskDeadLetter.IsActive())
}

func TestValidationSuccessIsZeroExitCode(t *testing.T) {
	assert.True(t, Validation{ExitCode: 0}.Success())
	assert.False(t, Validation{ExitCode: 1}.Success())
}
