package handler

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"eligibility/internal/eligibility/models"
	dErrors "eligibility/pkg/domain-errors"
)

const maxBulkBodyItems = 1000

// CheckData is the identity block shared by single and bulk submissions.
type CheckData struct {
	LastName                          string `json:"lastName"`
	DateOfBirth                       string `json:"dateOfBirth"`
	NationalInsuranceNumber           string `json:"nationalInsuranceNumber,omitempty"`
	NationalAsylumSeekerServiceNumber string `json:"nationalAsylumSeekerServiceNumber,omitempty"`
}

// Validate checks the shape of one identity block. The engine applies the
// same rules again on the normalized payload.
func (d CheckData) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&d.DateOfBirth, validation.Required, validation.Date(models.DateLayout)),
		validation.Field(&d.NationalInsuranceNumber,
			validation.When(d.NationalAsylumSeekerServiceNumber == "",
				validation.Required.Error("one of nationalInsuranceNumber or nationalAsylumSeekerServiceNumber is required")),
			validation.When(d.NationalAsylumSeekerServiceNumber != "",
				validation.Empty.Error("only one of nationalInsuranceNumber or nationalAsylumSeekerServiceNumber may be provided")),
			validation.Length(0, 20),
		),
		validation.Field(&d.NationalAsylumSeekerServiceNumber, validation.Length(0, 20)),
	)
}

func (d CheckData) payload() models.Payload {
	return models.Payload{
		LastName:                          d.LastName,
		DateOfBirth:                       d.DateOfBirth,
		NationalInsuranceNumber:           d.NationalInsuranceNumber,
		NationalAsylumSeekerServiceNumber: d.NationalAsylumSeekerServiceNumber,
	}
}

// CheckRequest is the body of POST /check/{type}.
type CheckRequest struct {
	Data *CheckData `json:"data"`
}

func (r *CheckRequest) Validate() error {
	if r == nil || r.Data == nil {
		return dErrors.New(dErrors.CodeBadRequest, "data is required")
	}
	return asDomainError(r.Data.Validate())
}

// BulkCheckRequest is the body of POST /bulk-check/{type}.
type BulkCheckRequest struct {
	Data []CheckData `json:"data"`
}

func (r *BulkCheckRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "data is required")
	}
	return asDomainError(validation.ValidateStruct(r,
		validation.Field(&r.Data, validation.Required, validation.Length(1, maxBulkBodyItems)),
	))
}

func (r *BulkCheckRequest) items(t models.CheckType) []models.BulkRequestItem {
	items := make([]models.BulkRequestItem, len(r.Data))
	for i, d := range r.Data {
		items[i] = models.BulkRequestItem{Type: t, Payload: d.payload()}
	}
	return items
}

// asDomainError turns ozzo validation errors into a coded validation error.
// Internal ozzo errors signal a broken rule, not bad input.
func asDomainError(err error) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "request validation failed")
	}
	return dErrors.New(dErrors.CodeValidation, err.Error())
}
