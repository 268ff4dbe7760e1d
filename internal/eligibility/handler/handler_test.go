package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"eligibility/internal/eligibility/handler/mocks"
	"eligibility/internal/eligibility/models"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks CheckService,BulkService
type HandlerSuite struct {
	suite.Suite
	checks *mocks.MockCheckService
	bulk   *mocks.MockBulkService
	router chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.checks = mocks.NewMockCheckService(ctrl)
	s.bulk = mocks.NewMockBulkService(ctrl)

	s.router = chi.NewRouter()
	New(s.checks, s.bulk, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func validData() map[string]any {
	return map[string]any{
		"lastName":                "Smith",
		"dateOfBirth":             "1990-12-15",
		"nationalInsuranceNumber": "NN668767B",
	}
}

func (s *HandlerSuite) TestCreateCheck() {
	s.checks.EXPECT().
		CreateCheck(gomock.Any(), models.CheckTypeFreeSchoolMeals, models.Payload{
			LastName:                "Smith",
			DateOfBirth:             "1990-12-15",
			NationalInsuranceNumber: "NN668767B",
		}).
		Return(&models.Check{ID: "c-1", Status: models.StatusQueuedForProcessing}, nil)

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/check/freeschoolmeals", map[string]any{"data": validData()})
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
	resp := testutil.UnmarshalResponse[CheckCreatedResponse](s.T(), rr)
	s.Equal("queuedForProcessing", resp.Data.Status)
	s.Equal("/check/c-1", resp.Links.GetEligibilityCheck)
}

func (s *HandlerSuite) TestCreateCheckRejectsBadInput() {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown type", "/check/2YearOffer", `{"data":{"lastName":"Smith"}}`, http.StatusUnprocessableEntity, "validation_error"},
		{"malformed json", "/check/FreeSchoolMeals", `{"data":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", "/check/FreeSchoolMeals", `{"data":{"surname":"Smith"}}`, http.StatusBadRequest, "bad_request"},
		{"missing data", "/check/FreeSchoolMeals", `{}`, http.StatusBadRequest, "bad_request"},
		{"missing surname", "/check/FreeSchoolMeals", `{"data":{"dateOfBirth":"1990-12-15","nationalInsuranceNumber":"NN668767B"}}`, http.StatusUnprocessableEntity, "validation_error"},
		{"impossible date", "/check/FreeSchoolMeals", `{"data":{"lastName":"Smith","dateOfBirth":"1990-02-30","nationalInsuranceNumber":"NN668767B"}}`, http.StatusUnprocessableEntity, "validation_error"},
		{"no document", "/check/FreeSchoolMeals", `{"data":{"lastName":"Smith","dateOfBirth":"1990-12-15"}}`, http.StatusUnprocessableEntity, "validation_error"},
		{"both documents", "/check/FreeSchoolMeals", `{"data":{"lastName":"Smith","dateOfBirth":"1990-12-15","nationalInsuranceNumber":"NN668767B","nationalAsylumSeekerServiceNumber":"240712345"}}`, http.StatusUnprocessableEntity, "validation_error"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := testutil.NewRequestWithBody(s.T(), http.MethodPost, tt.path, tt.body)
			rr := testutil.DoRequest(s.router, req)
			testutil.AssertStatusAndError(s.T(), rr, tt.status, tt.code)
		})
	}
}

func (s *HandlerSuite) TestCreateCheckQueueUnavailable() {
	s.checks.EXPECT().CreateCheck(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeUnavailable, "failed to enqueue check"))

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/check/FreeSchoolMeals", map[string]any{"data": validData()})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
}

func (s *HandlerSuite) TestGetCheck() {
	s.checks.EXPECT().GetCheck(gomock.Any(), "c-1").Return(&models.Check{
		ID:     "c-1",
		Type:   models.CheckTypeFreeSchoolMeals,
		Status: models.StatusEligible,
		Source: models.SourceExternalMatcher,
		Payload: models.Payload{
			LastName:                "SMITH",
			DateOfBirth:             "1990-12-15",
			NationalInsuranceNumber: "NN668767B",
		},
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/check/c-1"))
	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[CheckItemResponse](s.T(), rr)
	s.Equal("eligible", resp.Data.Status)
	s.Equal("externalMatcher", resp.Data.Source)
	s.Equal("SMITH", resp.Data.LastName)
	s.Empty(resp.Data.NationalAsylumSeekerServiceNumber)
	s.Nil(resp.Data.Sequence)
}

func (s *HandlerSuite) TestGetCheckNotFound() {
	s.checks.EXPECT().GetCheck(gomock.Any(), "missing").
		Return(nil, dErrors.New(dErrors.CodeNotFound, "check not found"))

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/check/missing"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestSubmitBulk() {
	var got []models.BulkRequestItem
	s.bulk.EXPECT().SubmitGroup(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, items []models.BulkRequestItem) (string, error) {
			got = items
			return "g-1", nil
		})

	second := validData()
	second["lastName"] = "Jones"
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/bulk-check/FreeSchoolMeals",
		map[string]any{"data": []any{validData(), second}})
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
	resp := testutil.UnmarshalResponse[BulkCreatedResponse](s.T(), rr)
	s.Equal("/bulk-check/g-1/progress", resp.Links.GetProgressCheck)
	s.Equal("/bulk-check/g-1", resp.Links.GetBulkCheckResult)

	s.Require().Len(got, 2)
	s.Equal("Smith", got[0].Payload.LastName)
	s.Equal("Jones", got[1].Payload.LastName)
	s.Equal(models.CheckTypeFreeSchoolMeals, got[1].Type)
}

func (s *HandlerSuite) TestSubmitBulkRejectsInvalidItem() {
	bad := validData()
	delete(bad, "dateOfBirth")
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/bulk-check/FreeSchoolMeals",
		map[string]any{"data": []any{validData(), bad}})
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatus(s.T(), rr, http.StatusUnprocessableEntity)
	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Equal("validation_error", body["error"])
	s.Contains(body["error_description"], "1")
	s.Contains(body["error_description"], "dateOfBirth")
}

func (s *HandlerSuite) TestSubmitBulkRejectsEmptyGroup() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/bulk-check/FreeSchoolMeals", map[string]any{"data": []any{}})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
}

func (s *HandlerSuite) TestBulkProgressAndResults() {
	s.bulk.EXPECT().GetProgress(gomock.Any(), "g-1").Return(models.BulkProgress{Total: 3, Complete: 3}, nil)
	s.bulk.EXPECT().GetResults(gomock.Any(), "g-1").Return([]models.BulkItem{
		{CheckID: "a", Sequence: 0, Type: models.CheckTypeFreeSchoolMeals, Status: models.StatusEligible},
		{CheckID: "b", Sequence: 1, Type: models.CheckTypeFreeSchoolMeals, Status: models.StatusNotEligible},
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/bulk-check/g-1/progress"))
	testutil.AssertStatusOK(s.T(), rr)
	progress := testutil.UnmarshalResponse[BulkProgressResponse](s.T(), rr)
	s.Equal(BulkProgressData{Complete: 3, Total: 3, Done: true}, progress.Data)

	rr = testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/bulk-check/g-1"))
	testutil.AssertStatusOK(s.T(), rr)
	results := testutil.UnmarshalResponse[BulkResultsResponse](s.T(), rr)
	s.Require().Len(results.Data, 2)
	s.Equal("a", results.Data[0].CheckID)
	s.Require().NotNil(results.Data[1].Sequence)
	s.Equal(1, *results.Data[1].Sequence)
}

func (s *HandlerSuite) TestBulkUnknownGroup() {
	s.bulk.EXPECT().GetProgress(gomock.Any(), "nope").
		Return(models.BulkProgress{}, dErrors.New(dErrors.CodeNotFound, "group not found"))
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/bulk-check/nope/progress"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHealth(map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    nil,
	}).Register(r)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/health"))
	testutil.AssertStatusOK(t, rr)
	resp := testutil.UnmarshalResponse[HealthResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]string{"database": "ok"}, resp.Dependencies)

	r = chi.NewRouter()
	NewHealth(map[string]HealthCheck{
		"database": func(context.Context) error { return errors.New("connection refused") },
	}).Register(r)
	rr = testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/health"))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp = testutil.UnmarshalResponse[HealthResponse](t, rr)
	assert.Equal(t, "degraded", resp.Status)
}
