package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies domain errors so the gateway can map them to HTTP
// status codes without string matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindAuthRequired
	KindForbidden
	KindInvalidTransition
	KindSchedulingGate
	KindDependenciesUnmet
	KindCapacity
	KindCycle
	KindNoReviewer
	KindValidation
)

// DomainError is the error surfaced to API callers. Message is user-visible;
// Pending carries unmet dependency IDs for KindDependenciesUnmet.
type DomainError struct {
	Kind    ErrorKind
	Message string
	Pending []string
}

func (e *DomainError) Error() string { return e.Message }

// KindOf returns the ErrorKind of err, or KindUnknown for non-domain errors.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// PendingDeps returns the unmet dependency IDs attached to err, if any.
func PendingDeps(err error) []string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Pending
	}
	return nil
}

func NotFoundErr(what string) *DomainError {
	return &DomainError{Kind: KindNotFound, Message: what + " not found"}
}

func AuthRequiredErr(msg string) *DomainError {
	return &DomainError{Kind: KindAuthRequired, Message: msg}
}

func ForbiddenErr(msg string) *DomainError {
	return &DomainError{Kind: KindForbidden, Message: msg}
}

func InvalidTransitionErr(from, to string) *DomainError {
	return &DomainError{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("invalid status transition from '%s' to '%s'", from, to),
	}
}

func SchedulingGateErr(scheduledAt string) *DomainError {
	return &DomainError{
		Kind:    KindSchedulingGate,
		Message: fmt.Sprintf("task is scheduled for %s and cannot be advanced before that time", scheduledAt),
	}
}

func DependenciesUnmetErr(pending []string) *DomainError {
	return &DomainError{
		Kind:    KindDependenciesUnmet,
		Message: "dependencies not met. Pending: " + strings.Join(pending, ", "),
		Pending: pending,
	}
}

func CapacityErr(current, max int64) *DomainError {
	return &DomainError{
		Kind:    KindCapacity,
		Message: fmt.Sprintf("agent at capacity (%d/%d in-progress tasks)", current, max),
	}
}

func CycleErr(taskID, dependsOn string) *DomainError {
	return &DomainError{
		Kind:    KindCycle,
		Message: fmt.Sprintf("adding this dependency would create a cycle: %s already depends on %s", dependsOn, taskID),
	}
}

func NoReviewerErr() *DomainError {
	return &DomainError{
		Kind:    KindNoReviewer,
		Message: "no eligible senior reviewer found; ask an orchestrator to assign one manually",
	}
}

func ValidationErr(msg string) *DomainError {
	return &DomainError{Kind: KindValidation, Message: msg}
}
