package service

import (
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

func step(order int, status string) entity.StationFlowStep {
	return entity.StationFlowStep{StepOrder: order, Status: status}
}

func TestDeriveTicketStatus(t *testing.T) {
	tests := []struct {
		name        string
		steps       []entity.StationFlowStep
		assignments int64
		want        string
	}{
		{
			name:        "no assignments means pending even with steps",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusPending)},
			assignments: 0,
			want:        entity.TicketStatusPending,
		},
		{
			name:        "no assignments and all completed still pending",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusCompleted)},
			assignments: 0,
			want:        entity.TicketStatusPending,
		},
		{
			name:        "assigned but empty roadmap is released",
			steps:       nil,
			assignments: 1,
			want:        entity.TicketStatusReleased,
		},
		{
			name:        "current step means in progress",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusCompleted), step(2, entity.StepStatusCurrent)},
			assignments: 2,
			want:        entity.TicketStatusInProgress,
		},
		{
			name:        "unsettled pending step means in progress",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusCompleted), step(2, entity.StepStatusPending)},
			assignments: 1,
			want:        entity.TicketStatusInProgress,
		},
		{
			name:        "all completed means finish",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusCompleted), step(2, entity.StepStatusCompleted)},
			assignments: 1,
			want:        entity.TicketStatusFinish,
		},
		{
			name:        "rework settles like completed",
			steps:       []entity.StationFlowStep{step(1, entity.StepStatusRework), step(2, entity.StepStatusCompleted)},
			assignments: 1,
			want:        entity.TicketStatusFinish,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveTicketStatus(tt.steps, tt.assignments)
			if got != tt.want {
				t.Errorf("DeriveTicketStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveIsPureAndRepeatable(t *testing.T) {
	steps := []entity.StationFlowStep{step(1, entity.StepStatusCurrent)}
	first := DeriveTicketStatus(steps, 1)
	for i := 0; i < 5; i++ {
		if got := DeriveTicketStatus(steps, 1); got != first {
			t.Fatalf("derivation not stable: %q vs %q", got, first)
		}
	}
}

func TestFirstEligibleStep(t *testing.T) {
	steps := []entity.StationFlowStep{
		step(1, entity.StepStatusCompleted),
		step(2, entity.StepStatusRework),
		step(3, entity.StepStatusPending),
		step(4, entity.StepStatusPending),
	}
	if idx := firstEligibleStep(steps); idx != 2 {
		t.Errorf("firstEligibleStep = %d, want 2", idx)
	}

	allDone := []entity.StationFlowStep{step(1, entity.StepStatusCompleted)}
	if idx := firstEligibleStep(allDone); idx != -1 {
		t.Errorf("firstEligibleStep on settled roadmap = %d, want -1", idx)
	}
}
