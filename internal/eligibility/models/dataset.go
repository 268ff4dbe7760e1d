package models

// DatasetRecord is one row of a local reference dataset, keyed by its
// identity document.
type DatasetRecord struct {
	Document    string
	LastName    string
	DateOfBirth string
	Qualifying  bool
}

// Decide applies the local dataset rule to a normalized payload: a surname or
// date-of-birth mismatch is treated as no match.
func (r DatasetRecord) Decide(p Payload) Status {
	n := p.Normalize()
	if (Payload{LastName: r.LastName}).Normalize().LastName != n.LastName || r.DateOfBirth != n.DateOfBirth {
		return StatusParentNotFound
	}
	if r.Qualifying {
		return StatusEligible
	}
	return StatusNotEligible
}
