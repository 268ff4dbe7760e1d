package service

import (
	"context"
	"errors"

	"eligibility/internal/eligibility/matcher"
	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
)

// Outcome reasons recorded on checks resolved outside the external matcher.
const (
	reasonCacheHit       = "cacheHit"
	reasonNoRecord       = "noRecord"
	reasonDatasetMatch   = "datasetMatch"
	reasonDatasetNoMatch = "datasetMismatch"
)

// route is where a check's resolution happens.
type route int

const (
	routeLocal route = iota
	routeExternal
)

// resolver decides one check type. route tells CreateCheck whether the
// decision is cheap enough to make inline.
type resolver struct {
	route   func(p models.Payload) route
	resolve func(ctx context.Context, p models.Payload) (models.Outcome, error)
}

// resolvers is the closed set of supported check types.
func (e *Engine) resolvers() map[models.CheckType]resolver {
	return map[models.CheckType]resolver{
		models.CheckTypeFreeSchoolMeals: {
			route:   e.freeSchoolMealsRoute,
			resolve: e.resolveFreeSchoolMeals,
		},
	}
}

// Supports reports whether a check type has a resolver.
func Supports(t models.CheckType) bool {
	return t == models.CheckTypeFreeSchoolMeals
}

func (e *Engine) freeSchoolMealsRoute(p models.Payload) route {
	kind, _ := p.Document()
	if kind == models.DocumentNationalInsurance && e.matcher != nil {
		return routeExternal
	}
	return routeLocal
}

func (e *Engine) resolveFreeSchoolMeals(ctx context.Context, p models.Payload) (models.Outcome, error) {
	kind, document := p.Document()
	switch {
	case kind == models.DocumentNationalAsylumSeekerNumber:
		return decideFromDataset(ctx, e.homeOffice, models.SourceHomeOffice, document, p)
	case e.matcher != nil:
		return e.resolveExternal(ctx, models.CheckTypeFreeSchoolMeals, p)
	default:
		return decideFromDataset(ctx, e.hmrc, models.SourceHMRC, document, p)
	}
}

// resolveExternal never returns an error: authority failures become a
// terminal error outcome.
func (e *Engine) resolveExternal(ctx context.Context, t models.CheckType, p models.Payload) (models.Outcome, error) {
	res, err := e.matcher.Match(ctx, t, p)
	if err != nil {
		e.logger.WarnContext(ctx, "external match failed",
			"category", matcher.CategoryOf(err),
			"error", err,
		)
		return models.Outcome{
			Status: models.StatusError,
			Source: models.SourceExternalMatcher,
			Reason: string(matcher.CategoryOf(err)),
		}, nil
	}
	return models.Outcome{
		Status: res.Outcome,
		Source: models.SourceExternalMatcher,
		Reason: string(res.Reason),
	}, nil
}

// decideFromDataset returns an error only when the dataset itself is unreadable.
func decideFromDataset(ctx context.Context, ds Dataset, source models.Source, document string, p models.Payload) (models.Outcome, error) {
	record, err := ds.Find(ctx, document)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Outcome{Status: models.StatusParentNotFound, Source: source, Reason: reasonNoRecord}, nil
		}
		return models.Outcome{}, err
	}
	status := record.Decide(p)
	reason := reasonDatasetMatch
	if status == models.StatusParentNotFound {
		reason = reasonDatasetNoMatch
	}
	return models.Outcome{Status: status, Source: source, Reason: reason}, nil
}
