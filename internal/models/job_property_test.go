package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genJobStatus generates a random JobStatus.
func genJobStatus() gopter.Gen {
	return gen.OneConstOf(
		JobStatusPending,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
	)
}

// **Feature: gpuconnect, Property 1: Job status monotonicity**
// For any pair of statuses, no transition leaves a terminal status, and
// PENDING can only move to RUNNING.
func TestJobStatusTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal statuses have no outgoing transitions", prop.ForAll(
		func(from, to JobStatus) bool {
			if from.IsTerminal() {
				return !from.CanTransitionTo(to)
			}
			return true
		},
		genJobStatus(),
		genJobStatus(),
	))

	properties.Property("pending only moves to running", prop.ForAll(
		func(to JobStatus) bool {
			return JobStatusPending.CanTransitionTo(to) == (to == JobStatusRunning)
		},
		genJobStatus(),
	))

	properties.Property("no status transitions to itself", prop.ForAll(
		func(s JobStatus) bool {
			return !s.CanTransitionTo(s)
		},
		genJobStatus(),
	))

	properties.TestingRun(t)
}

func TestJobStatusIsValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if JobStatus("pending").IsValid() {
		t.Error("lowercase status should be invalid")
	}
}

// **Feature: gpuconnect, Property 2: Liveness cutoff**
// A node is live iff it is active and its heartbeat is no older than the cutoff.
func TestNodeIsLive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cutoff := 30 * time.Second

	properties.Property("liveness follows active flag and heartbeat age", prop.ForAll(
		func(active bool, ageSecs int) bool {
			n := &Node{Active: active, LastHeartbeat: now.Add(-time.Duration(ageSecs) * time.Second)}
			want := active && ageSecs <= 30
			return n.IsLive(now, cutoff) == want
		},
		gen.Bool(),
		gen.IntRange(0, 120),
	))

	properties.TestingRun(t)
}
