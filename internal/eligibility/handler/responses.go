package handler

import (
	"eligibility/internal/eligibility/models"
)

// CheckLinks points a client at the resources for a single check.
type CheckLinks struct {
	GetEligibilityCheck string `json:"get_EligibilityCheck"`
}

// CheckStatusData is the minimal view returned when a check is accepted.
type CheckStatusData struct {
	Status string `json:"status"`
}

// CheckCreatedResponse is returned by POST /check/{type}.
type CheckCreatedResponse struct {
	Data  CheckStatusData `json:"data"`
	Links CheckLinks      `json:"links"`
}

// CheckItemData is the full view of a check.
type CheckItemData struct {
	CheckID                           string `json:"checkId"`
	Type                              string `json:"type"`
	Status                            string `json:"status"`
	LastName                          string `json:"lastName"`
	DateOfBirth                       string `json:"dateOfBirth"`
	NationalInsuranceNumber           string `json:"nationalInsuranceNumber,omitempty"`
	NationalAsylumSeekerServiceNumber string `json:"nationalAsylumSeekerServiceNumber,omitempty"`
	Source                            string `json:"source,omitempty"`
	Sequence                          *int   `json:"sequence,omitempty"`
}

// CheckItemResponse is returned by GET /check/{id}.
type CheckItemResponse struct {
	Data  CheckItemData `json:"data"`
	Links CheckLinks    `json:"links"`
}

// BulkLinks points a client at the progress and results of a group.
type BulkLinks struct {
	GetProgressCheck   string `json:"get_Progress_Check"`
	GetBulkCheckResult string `json:"get_BulkCheck_Results"`
}

// BulkCreatedResponse is returned by POST /bulk-check/{type}.
type BulkCreatedResponse struct {
	Links BulkLinks `json:"links"`
}

// BulkProgressData counts the terminal checks of a group.
type BulkProgressData struct {
	Complete int  `json:"complete"`
	Total    int  `json:"total"`
	Done     bool `json:"done"`
}

// BulkProgressResponse is returned by GET /bulk-check/{group}/progress.
type BulkProgressResponse struct {
	Data  BulkProgressData `json:"data"`
	Links BulkLinks        `json:"links"`
}

// BulkResultsResponse is returned by GET /bulk-check/{group}.
type BulkResultsResponse struct {
	Data []CheckItemData `json:"data"`
}

func checkLinks(id string) CheckLinks {
	return CheckLinks{GetEligibilityCheck: "/check/" + id}
}

func bulkLinks(groupID string) BulkLinks {
	return BulkLinks{
		GetProgressCheck:   "/bulk-check/" + groupID + "/progress",
		GetBulkCheckResult: "/bulk-check/" + groupID,
	}
}

func fromCheck(c *models.Check) CheckItemData {
	return CheckItemData{
		CheckID:                           c.ID,
		Type:                              string(c.Type),
		Status:                            string(c.Status),
		LastName:                          c.Payload.LastName,
		DateOfBirth:                       c.Payload.DateOfBirth,
		NationalInsuranceNumber:           c.Payload.NationalInsuranceNumber,
		NationalAsylumSeekerServiceNumber: c.Payload.NationalAsylumSeekerServiceNumber,
		Source:                            string(c.Source),
		Sequence:                          c.Sequence,
	}
}

func fromBulkItem(item models.BulkItem) CheckItemData {
	seq := item.Sequence
	return CheckItemData{
		CheckID:                           item.CheckID,
		Type:                              string(item.Type),
		Status:                            string(item.Status),
		LastName:                          item.Payload.LastName,
		DateOfBirth:                       item.Payload.DateOfBirth,
		NationalInsuranceNumber:           item.Payload.NationalInsuranceNumber,
		NationalAsylumSeekerServiceNumber: item.Payload.NationalAsylumSeekerServiceNumber,
		Sequence:                          &seq,
	}
}

func fromProgress(p models.BulkProgress) BulkProgressData {
	return BulkProgressData{Complete: p.Complete, Total: p.Total, Done: p.Done()}
}
