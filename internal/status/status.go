// Package status defines the unified status enumeration shared by the kernel
// lifecycle, plan steps and agent lifecycles, and the static transition table
// that gates every status write.
package status

import (
	"errors"
	"fmt"
	"sort"
)

// Status is the unified execution status.
type Status string

const (
	Pending           Status = "pending"
	Executing         Status = "executing"
	Completed         Status = "completed"
	Failed            Status = "failed"
	Replanning        Status = "replanning"
	WaitingInput      Status = "waiting_input"
	Paused            Status = "paused"
	Cancelled         Status = "cancelled"
	Skipped           Status = "skipped"
	Rewriting         Status = "rewriting"
	Observing         Status = "observing"
	Parallel          Status = "parallel"
	Stagnated         Status = "stagnated"
	Timeout           Status = "timeout"
	Deadlock          Status = "deadlock"
	FinalAnswerResult Status = "final_answer_result"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrUnknownStatus is returned by Parse for values outside the enumeration.
var ErrUnknownStatus = errors.New("unknown status")

// All lists every status in declaration order.
var All = []Status{
	Pending, Executing, Completed, Failed, Replanning, WaitingInput, Paused,
	Cancelled, Skipped, Rewriting, Observing, Parallel, Stagnated, Timeout,
	Deadlock, FinalAnswerResult,
}

// Transitions is the single source of truth for legal status changes.
var Transitions = Table[Status]{
	Pending: {
		Executing, Paused, Cancelled, Skipped, WaitingInput, Parallel, Failed,
	},
	Executing: {
		Completed, Failed, Replanning, WaitingInput, Paused, Cancelled,
		Rewriting, Observing, Parallel, Stagnated, Timeout, Deadlock,
		FinalAnswerResult,
	},
	Failed:       {Replanning, Pending, Cancelled},
	Replanning:   {Pending, Executing, Rewriting, Failed, Cancelled},
	WaitingInput: {Executing, Paused, Timeout, Cancelled},
	Paused:       {Executing, Pending, Cancelled},
	Rewriting:    {Executing, Pending, Failed, Cancelled},
	Observing:    {Executing, Completed, Replanning, Failed, FinalAnswerResult, Cancelled},
	Parallel:     {Executing, Completed, Failed, Timeout, Deadlock, Cancelled},
	Stagnated:    {Replanning, Failed, Cancelled},
	Timeout:      {Replanning, Pending, Failed, Cancelled},
	Deadlock:     {Replanning, Failed, Cancelled},

	Completed:         {}, // terminal
	Cancelled:         {}, // terminal
	Skipped:           {}, // terminal
	FinalAnswerResult: {}, // terminal
}

// IsValidStatusTransition reports whether from -> to appears in the table.
func IsValidStatusTransition(from, to Status) bool {
	return Transitions.Allows(from, to)
}

// Transition moves *current to target when the table allows it.
// On rejection *current is left untouched.
func Transition(current *Status, target Status) error {
	if current == nil {
		return fmt.Errorf("%w: nil status", ErrInvalidTransition)
	}
	if !IsValidStatusTransition(*current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, *current, target)
	}
	*current = target
	return nil
}

// Next returns the legal successors of from, sorted.
func Next(from Status) []Status {
	next := append([]Status(nil), Transitions[from]...)
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// IsTerminal reports whether s has no outgoing edges.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Cancelled || s == Skipped || s == FinalAnswerResult
}

// CanTransitionTo is a method form of IsValidStatusTransition.
func (s Status) CanTransitionTo(target Status) bool {
	return IsValidStatusTransition(s, target)
}

// Valid reports whether s is part of the enumeration.
func (s Status) Valid() bool {
	_, ok := Transitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// Parse converts a raw string into a Status.
func Parse(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}
