package models

import (
	"fmt"
	"time"

	dErrors "eligibility/pkg/domain-errors"
)

// CheckType is the entitlement kind a check is made for. The set is closed;
// each type has exactly one resolver in the service layer.
type CheckType string

const (
	CheckTypeFreeSchoolMeals CheckType = "FreeSchoolMeals"
)

// ParseCheckType accepts the canonical name case-insensitively.
func ParseCheckType(s string) (CheckType, error) {
	for _, t := range []CheckType{CheckTypeFreeSchoolMeals} {
		if equalFold(string(t), s) {
			return t, nil
		}
	}
	return "", dErrors.Newf(dErrors.CodeValidation, "unsupported check type %q", s)
}

// Status is the lifecycle state of a check.
type Status string

const (
	StatusQueuedForProcessing Status = "queuedForProcessing"
	StatusEligible            Status = "eligible"
	StatusNotEligible         Status = "notEligible"
	StatusParentNotFound      Status = "parentNotFound"
	StatusError               Status = "error"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEligible, StatusNotEligible, StatusParentNotFound, StatusError:
		return true
	}
	return false
}

// Cacheable reports whether an outcome may be memoized in the result cache.
// Error outcomes are never cached.
func (s Status) Cacheable() bool {
	return s.IsTerminal() && s != StatusError
}

// CanTransitionTo enforces the only legal transition: queued -> terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusQueuedForProcessing && next.IsTerminal()
}

// Source identifies the path that produced an outcome.
type Source string

const (
	SourceCache           Source = "cache"
	SourceHMRC            Source = "hmrc"
	SourceHomeOffice      Source = "homeOffice"
	SourceExternalMatcher Source = "externalMatcher"
)

// Check is one eligibility determination request and its lifecycle record.
//
// Invariants:
//   - Status only moves from queuedForProcessing to a terminal status, once
//   - Group and Sequence are both set or both nil
//   - Payload carries exactly one identity document
//   - Source and ResultHashID are empty while queued
type Check struct {
	ID           string
	Type         CheckType
	Status       Status
	Payload      Payload
	Group        *string
	Sequence     *int
	ResultHashID *string
	Source       Source
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCheck builds a queued check after validating the payload invariant.
func NewCheck(id string, checkType CheckType, payload Payload, now time.Time) (*Check, error) {
	if id == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "check id cannot be empty")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &Check{
		ID:        id,
		Type:      checkType,
		Status:    StatusQueuedForProcessing,
		Payload:   payload.Normalize(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// InGroup places the check at a position within a bulk group.
func (c *Check) InGroup(groupID string, sequence int) {
	c.Group = &groupID
	c.Sequence = &sequence
}

// IsTerminal reports whether processing has finished.
func (c *Check) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Finalize applies the terminal transition in memory. Stores persist the
// result with a conditional write so concurrent duplicates cannot both win.
func (c *Check) Finalize(outcome Outcome, now time.Time) error {
	if !c.Status.CanTransitionTo(outcome.Status) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("cannot transition check %s from %s to %s", c.ID, c.Status, outcome.Status))
	}
	c.Status = outcome.Status
	c.Source = outcome.Source
	c.ResultHashID = outcome.ResultHashID
	c.UpdatedAt = now
	return nil
}

// Outcome is the result of resolving a check.
type Outcome struct {
	Status       Status
	Source       Source
	ResultHashID *string
	// Reason is a diagnostic detail (for example "ambiguousMatch"); not persisted.
	Reason string
}
