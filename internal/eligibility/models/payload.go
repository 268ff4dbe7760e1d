package models

import (
	"strings"
	"time"

	dErrors "eligibility/pkg/domain-errors"
)

// DateLayout is the ISO date format used for dates of birth.
const DateLayout = "2006-01-02"

// DocumentKind names which identity document a payload carries.
type DocumentKind string

const (
	DocumentNationalInsurance          DocumentKind = "nationalInsuranceNumber"
	DocumentNationalAsylumSeekerNumber DocumentKind = "nationalAsylumSeekerServiceNumber"
)

// Payload is the identity data submitted for a check.
type Payload struct {
	LastName                          string
	DateOfBirth                       string
	NationalInsuranceNumber           string
	NationalAsylumSeekerServiceNumber string
}

// Validate enforces the invariants the engine relies on: a surname, a real
// calendar date of birth, and exactly one identity document.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.LastName) == "" {
		return dErrors.New(dErrors.CodeValidation, "lastName is required")
	}
	if _, err := time.Parse(DateLayout, strings.TrimSpace(p.DateOfBirth)); err != nil {
		return dErrors.New(dErrors.CodeValidation, "dateOfBirth must be a valid YYYY-MM-DD date")
	}
	hasNI := strings.TrimSpace(p.NationalInsuranceNumber) != ""
	hasNASS := strings.TrimSpace(p.NationalAsylumSeekerServiceNumber) != ""
	switch {
	case hasNI && hasNASS:
		return dErrors.New(dErrors.CodeValidation, "only one of nationalInsuranceNumber or nationalAsylumSeekerServiceNumber may be provided")
	case !hasNI && !hasNASS:
		return dErrors.New(dErrors.CodeValidation, "one of nationalInsuranceNumber or nationalAsylumSeekerServiceNumber is required")
	}
	return nil
}

// Normalize returns the canonical form: surname trimmed, uppercased and with
// internal whitespace collapsed; documents uppercased with all whitespace removed.
func (p Payload) Normalize() Payload {
	return Payload{
		LastName:                          strings.ToUpper(strings.Join(strings.Fields(p.LastName), " ")),
		DateOfBirth:                       strings.TrimSpace(p.DateOfBirth),
		NationalInsuranceNumber:           normalizeDocument(p.NationalInsuranceNumber),
		NationalAsylumSeekerServiceNumber: normalizeDocument(p.NationalAsylumSeekerServiceNumber),
	}
}

// Document returns the kind and value of the populated identity document.
func (p Payload) Document() (DocumentKind, string) {
	if v := normalizeDocument(p.NationalInsuranceNumber); v != "" {
		return DocumentNationalInsurance, v
	}
	return DocumentNationalAsylumSeekerNumber, normalizeDocument(p.NationalAsylumSeekerServiceNumber)
}

func normalizeDocument(v string) string {
	return strings.ToUpper(strings.Join(strings.Fields(v), ""))
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
