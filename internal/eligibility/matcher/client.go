// Package matcher is the client for the benefits authority. A match is a
// two-step protocol: a citizen identity match, then a claims lookup for the
// matched citizen. The client holds no state between calls.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/models"
	strs "eligibility/pkg/platform/strings"
	"eligibility/pkg/requestcontext"
)

// Step names a protocol step.
type Step string

const (
	StepCitizenMatch Step = "citizen_match"
	StepClaims       Step = "claims"
)

// Reason explains how an outcome was reached.
type Reason string

const (
	ReasonQualifyingAward   Reason = "qualifyingAward"
	ReasonNoQualifyingAward Reason = "noQualifyingAward"
	ReasonNoMatch           Reason = "noMatch"
	ReasonAmbiguousMatch    Reason = "ambiguousMatch"
	ReasonFailed            Reason = "failed"
)

// Result is the decision for one match.
type Result struct {
	Outcome   models.Status
	Reason    Reason
	CitizenID string
}

// Config carries the authority endpoint and protocol settings.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL"`
	Token              string        `envconfig:"TOKEN"`
	PolicyID           string        `envconfig:"POLICY_ID"`
	AccessLevel        string        `envconfig:"ACCESS_LEVEL"`
	InstigatingUserID  string        `envconfig:"INSTIGATING_USER_ID"`
	QualifyingBenefits []string      `envconfig:"QUALIFYING_BENEFITS" default:"universal_credit,income_support,jobseekers_allowance_income_based,employment_support_allowance_income_related,pension_credit_guarantee,child_tax_credit"`
	StepTimeout        time.Duration `envconfig:"STEP_TIMEOUT" default:"10s"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" default:"2"`
	RetryInterval      time.Duration `envconfig:"RETRY_INTERVAL" default:"200ms"`
	SurnameFragment    int           `envconfig:"SURNAME_FRAGMENT" default:"3"`
}

const (
	defaultStepTimeout     = 10 * time.Second
	defaultRetryInterval   = 200 * time.Millisecond
	defaultSurnameFragment = 3
)

var activeAwardStatuses = map[string]bool{
	"live":       true,
	"in_payment": true,
}

var inactiveClaimStatuses = map[string]bool{
	"suspended":  true,
	"ended":      true,
	"terminated": true,
	"closed":     true,
}

// Client calls the benefits authority.
type Client struct {
	cfg        Config
	qualifying map[string]bool
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New constructs a Client, applying protocol defaults to zero config values.
func New(cfg Config, opts ...Option) *Client {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.SurnameFragment <= 0 {
		cfg.SurnameFragment = defaultSurnameFragment
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cfg.QualifyingBenefits = strs.DedupeAndTrimLower(cfg.QualifyingBenefits)
	qualifying := make(map[string]bool, len(cfg.QualifyingBenefits))
	for _, b := range cfg.QualifyingBenefits {
		qualifying[b] = true
	}

	c := &Client{
		cfg:        cfg,
		qualifying: qualifying,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		tracer:     otel.Tracer("eligibility/matcher"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Match runs the citizen match then the claims lookup. A non-nil error always
// comes with Outcome == StatusError; the caller must not downgrade it.
func (c *Client) Match(ctx context.Context, checkType models.CheckType, payload models.Payload) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "matcher.Match",
		trace.WithAttributes(attribute.String("check.type", string(checkType))))
	defer span.End()

	result, err := c.match(ctx, payload.Normalize())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CategoryOf(err)))
		return Result{Outcome: models.StatusError, Reason: ReasonFailed}, err
	}
	span.SetAttributes(
		attribute.String("match.outcome", string(result.Outcome)),
		attribute.String("match.reason", string(result.Reason)),
	)
	return result, nil
}

func (c *Client) match(ctx context.Context, p models.Payload) (Result, error) {
	kind, nino := p.Document()
	if kind != models.DocumentNationalInsurance {
		return Result{}, newError(ErrorUnsupported, StepCitizenMatch, "only national insurance numbers can be matched", nil)
	}

	citizenID, reason, err := c.citizenMatch(ctx, p, nino)
	if err != nil {
		return Result{}, err
	}
	if citizenID == "" {
		return Result{Outcome: models.StatusParentNotFound, Reason: reason}, nil
	}

	qualifies, err := c.hasQualifyingAward(ctx, citizenID)
	if err != nil {
		return Result{}, err
	}
	if qualifies {
		return Result{Outcome: models.StatusEligible, Reason: ReasonQualifyingAward, CitizenID: citizenID}, nil
	}
	return Result{Outcome: models.StatusNotEligible, Reason: ReasonNoQualifyingAward, CitizenID: citizenID}, nil
}

// citizenMatch returns the citizen reference, or "" with the reason no single
// citizen was matched.
func (c *Client) citizenMatch(ctx context.Context, p models.Payload, nino string) (string, Reason, error) {
	body, err := json.Marshal(matchRequest{Data: matchRequestData{
		Type: "Match",
		Attributes: matchAttributes{
			DateOfBirth:  p.DateOfBirth,
			LastName:     fragment(p.LastName, c.cfg.SurnameFragment),
			NinoFragment: ninoFragment(nino),
		},
	}})
	if err != nil {
		return "", "", newError(ErrorBadData, StepCitizenMatch, "encode match request", err)
	}

	status, respBody, err := c.do(ctx, StepCitizenMatch, http.MethodPost, c.cfg.BaseURL+"/v2/citizens", body)
	if err != nil {
		return "", "", err
	}

	switch status {
	case http.StatusOK:
		return parseMatch(respBody)
	case http.StatusNotFound:
		return "", ReasonNoMatch, nil
	case http.StatusUnprocessableEntity:
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil {
			for _, e := range er.Errors {
				if e.Code == "multiple_matches" {
					return "", ReasonAmbiguousMatch, nil
				}
			}
		}
	}
	return "", "", statusError(StepCitizenMatch, status)
}

func parseMatch(body []byte) (string, Reason, error) {
	var resp matchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", newError(ErrorBadData, StepCitizenMatch, "decode match response", err)
	}
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", "", newError(ErrorBadData, StepCitizenMatch, "match response has no data", nil)
	}

	var refs []citizenRef
	if data[0] == '[' {
		if err := json.Unmarshal(data, &refs); err != nil {
			return "", "", newError(ErrorBadData, StepCitizenMatch, "decode citizen list", err)
		}
	} else {
		var ref citizenRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", "", newError(ErrorBadData, StepCitizenMatch, "decode citizen", err)
		}
		refs = append(refs, ref)
	}

	switch len(refs) {
	case 0:
		return "", ReasonNoMatch, nil
	case 1:
		if strings.TrimSpace(refs[0].ID) == "" {
			return "", "", newError(ErrorBadData, StepCitizenMatch, "citizen reference missing id", nil)
		}
		return refs[0].ID, "", nil
	default:
		return "", ReasonAmbiguousMatch, nil
	}
}

func (c *Client) hasQualifyingAward(ctx context.Context, citizenID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v2/citizens/%s/claims", c.cfg.BaseURL, url.PathEscape(citizenID))
	if len(c.cfg.QualifyingBenefits) > 0 {
		endpoint += "?" + url.Values{"benefitType": {strings.Join(c.cfg.QualifyingBenefits, ",")}}.Encode()
	}

	status, body, err := c.do(ctx, StepClaims, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, statusError(StepClaims, status)
	}

	var resp claimsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, newError(ErrorBadData, StepClaims, "decode claims response", err)
	}

	today := requestcontext.Now(ctx).Format(models.DateLayout)
	for _, cl := range resp.Data {
		if c.claimQualifies(cl, today) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) claimQualifies(cl claim, today string) bool {
	attrs := cl.Attributes
	if !c.qualifying[strings.ToLower(attrs.BenefitType)] {
		return false
	}
	if inactiveClaimStatuses[strings.ToLower(attrs.Status)] {
		return false
	}
	for _, a := range attrs.Awards {
		if awardActive(a, today) {
			return true
		}
	}
	return false
}

// awardActive compares ISO dates lexically; both sides are YYYY-MM-DD.
func awardActive(a award, today string) bool {
	if !activeAwardStatuses[strings.ToLower(a.Status)] {
		return false
	}
	if a.StartDate != "" && a.StartDate > today {
		return false
	}
	if a.EndDate != "" && a.EndDate < today {
		return false
	}
	return true
}

// do performs one protocol step under the step timeout, retrying transport
// failures, 429 and 5xx with exponential backoff. It returns the final status
// and body for any response the protocol can interpret.
func (c *Client) do(ctx context.Context, step Step, method, endpoint string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "matcher."+string(step))
	defer span.End()

	start := time.Now()
	correlationID := requestcontext.RequestID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var status int
	var respBody []byte
	operation := func() error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return backoff.Permanent(newError(ErrorTransport, step, "build request", err))
		}
		c.setHeaders(req, correlationID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(newError(ErrorTimeout, step, "step deadline exceeded", ctx.Err()))
			}
			return newError(ErrorTransport, step, "request failed", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(newError(ErrorTimeout, step, "step deadline exceeded", ctx.Err()))
			}
			return newError(ErrorTransport, step, "read response body", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusError(step, resp.StatusCode)
		}
		status, respBody = resp.StatusCode, b
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx)

	err := backoff.RetryNotify(operation, retry, func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "matcher step retrying",
			"step", step,
			"correlation_id", correlationID,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	})
	if err != nil && !isMatcherError(err) {
		// backoff returns the context error when the deadline expires while waiting.
		err = newError(ErrorTimeout, step, "step deadline exceeded", err)
	}

	result := "ok"
	if err != nil {
		result = string(CategoryOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	c.metrics.ObserveMatcherStep(string(step), result, time.Since(start))
	return status, respBody, err
}

func (c *Client) setHeaders(req *http.Request, correlationID string) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Correlation-Id", correlationID)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.PolicyID != "" {
		req.Header.Set("Policy-Id", c.cfg.PolicyID)
	}
	if c.cfg.AccessLevel != "" {
		req.Header.Set("Access-Level", c.cfg.AccessLevel)
	}
	if c.cfg.InstigatingUserID != "" {
		req.Header.Set("Instigating-User-Id", c.cfg.InstigatingUserID)
	}
}

func isMatcherError(err error) bool {
	var me *Error
	return errors.As(err, &me)
}

// ninoFragment is the four digits before the suffix letter, e.g. NN668767B -> 8767.
func ninoFragment(nino string) string {
	n := strings.ToUpper(nino)
	if l := len(n); l > 0 && n[l-1] >= 'A' && n[l-1] <= 'Z' {
		n = n[:l-1]
	}
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

func fragment(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
