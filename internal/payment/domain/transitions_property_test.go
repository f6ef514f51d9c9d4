//go:build property
// +build property

package domain

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genStatus() gopter.Gen {
	values := make([]interface{}, len(Statuses))
	for i, s := range Statuses {
		values[i] = s
	}
	return gen.OneConstOf(values...)
}

// fold applies a notification stream the way the reconciler does: only
// allowed edges move the attempt.
func fold(start Status, stream []Status) (Status, int) {
	current := start
	approvals := 0
	for _, next := range stream {
		if next == current || !CanTransition(current, next) {
			continue
		}
		if next == StatusApproved && current != StatusInMediation {
			approvals++
		}
		current = next
	}
	return current, approvals
}

func TestTerminalStatusesAbsorb(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rejected, cancelled, refunded and charged_back never move", prop.ForAll(
		func(stream []Status) bool {
			for _, terminal := range []Status{StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack} {
				if end, _ := fold(terminal, stream); end != terminal {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genStatus()),
	))

	properties.Property("an attempt is approved from active at most once", prop.ForAll(
		func(stream []Status) bool {
			_, approvals := fold(StatusPending, stream)
			return approvals <= 1
		},
		gen.SliceOf(genStatus()),
	))

	properties.Property("replaying a stream twice ends where once does", prop.ForAll(
		func(stream []Status) bool {
			once, _ := fold(StatusPending, stream)
			twice, _ := fold(once, stream)
			return once == twice || CanTransition(once, twice)
		},
		gen.SliceOf(genStatus()),
	))

	properties.TestingRun(t)
}

func TestReopenOnlyFromActive(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("reopening requires an active source", prop.ForAll(
		func(from, to Status) bool {
			if ReopensObligation(from, to) {
				return from.IsActive() && (to == StatusRejected || to == StatusCancelled)
			}
			return true
		},
		genStatus(),
		genStatus(),
	))

	properties.TestingRun(t)
}
