package matcher

import "encoding/json"

// Request and response bodies of the benefits authority API.

type matchRequest struct {
	Data matchRequestData `json:"data"`
}

type matchRequestData struct {
	Type       string          `json:"type"`
	Attributes matchAttributes `json:"attributes"`
}

type matchAttributes struct {
	DateOfBirth  string `json:"dateOfBirth"`
	LastName     string `json:"lastName"`
	NinoFragment string `json:"ninoFragment"`
}

// matchResponse.Data is either one citizen object or a list of candidates.
type matchResponse struct {
	Data json.RawMessage `json:"data"`
}

type citizenRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type errorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

type claimsResponse struct {
	Data []claim `json:"data"`
}

type claim struct {
	ID         string          `json:"id"`
	Attributes claimAttributes `json:"attributes"`
}

type claimAttributes struct {
	BenefitType string  `json:"benefitType"`
	Status      string  `json:"status"`
	Awards      []award `json:"awards"`
}

type award struct {
	Status    string `json:"status"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}
