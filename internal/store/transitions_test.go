package store

import (
	"testing"

	"github.com/azirkitai/quetama-live-sub000/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		name   string
		from   models.Status
		target models.Status
		want   bool
	}{
		{"waiting to called", models.StatusWaiting, models.StatusCalled, true},
		{"called to in-progress", models.StatusCalled, models.StatusInProgress, true},
		{"called to completed", models.StatusCalled, models.StatusCompleted, true},
		{"called to requeue", models.StatusCalled, models.StatusRequeue, true},
		{"called to dispensary", models.StatusCalled, models.StatusDispensary, true},
		{"in-progress to completed", models.StatusInProgress, models.StatusCompleted, true},
		{"in-progress to requeue", models.StatusInProgress, models.StatusRequeue, true},
		{"in-progress to dispensary", models.StatusInProgress, models.StatusDispensary, true},
		{"requeue to called", models.StatusRequeue, models.StatusCalled, true},
		{"dispensary to called", models.StatusDispensary, models.StatusCalled, true},
		{"dispensary to completed", models.StatusDispensary, models.StatusCompleted, true},
		{"completed to dispensary", models.StatusCompleted, models.StatusDispensary, true},
		{"in-progress to called recall", models.StatusInProgress, models.StatusCalled, true},
		{"recall same status", models.StatusCalled, models.StatusCalled, true},
		{"waiting to in-progress skips call", models.StatusWaiting, models.StatusInProgress, false},
		{"waiting to completed", models.StatusWaiting, models.StatusCompleted, false},
		{"waiting to requeue", models.StatusWaiting, models.StatusRequeue, false},
		{"completed to in-progress", models.StatusCompleted, models.StatusInProgress, false},
		{"completed to requeue", models.StatusCompleted, models.StatusRequeue, false},
		{"anything to waiting", models.StatusCalled, models.StatusWaiting, false},
		{"requeue to completed", models.StatusRequeue, models.StatusCompleted, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidTransition(tc.target, tc.from); got != tc.want {
				t.Fatalf("ValidTransition(%s, %s) = %v, want %v", tc.target, tc.from, got, tc.want)
			}
		})
	}
}
