package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/claimflow/internal/domain/payer"
	"github.com/ehr/claimflow/internal/platform/httpclient"
)

// Eligibility verifies coverage.
type Eligibility interface {
	CheckEligibility(ctx context.Context, p payer.Provider, req EligibilityRequest) (*EligibilityResult, error)
}

// Authorization requests prior authorization.
type Authorization interface {
	RequestAuthorization(ctx context.Context, p payer.Provider, req AuthorizationRequest) (*AuthorizationResult, error)
}

// Submission files claims.
type Submission interface {
	SubmitClaim(ctx context.Context, p payer.Provider, req SubmissionRequest) (*SubmissionResult, error)
}

// Appeals files appeal packets.
type Appeals interface {
	SubmitAppeal(ctx context.Context, p payer.Provider, req AppealRequest) (*AppealResult, error)
}

// Gateway bundles the payer adapters.
type Gateway interface {
	Eligibility
	Authorization
	Submission
	Appeals
}

// Config tunes the HTTP gateway.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	// RatePerSecond caps outbound calls per payer. Zero means unlimited.
	RatePerSecond float64
}

// HTTPClient talks JSON over HTTPS to each payer's endpoint.
type HTTPClient struct {
	retrying *retryablehttp.Client
	single   *retryablehttp.Client
	rps      float64
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient creates the gateway. Eligibility and authorization calls are
// retried up to cfg.MaxRetries times; submissions and appeals are sent once.
func NewHTTPClient(cfg Config, logger zerolog.Logger) *HTTPClient {
	logger = logger.With().Str("component", "gateway").Logger()
	return &HTTPClient{
		retrying: httpclient.New(httpclient.Options{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}, logger),
		single:   httpclient.New(httpclient.Options{Timeout: cfg.Timeout}, logger),
		rps:      cfg.RatePerSecond,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PolicyEligibility is the fixed result for payers whose coverage is not
// verified in real time: eligible, no cost-share, no prior authorization.
func PolicyEligibility() *EligibilityResult {
	return &EligibilityResult{Eligible: true, ByPolicy: true}
}

func (c *HTTPClient) CheckEligibility(ctx context.Context, p payer.Provider, req EligibilityRequest) (*EligibilityResult, error) {
	if p.BypassesVerification() {
		c.logger.Debug().Str("payer_id", p.ID).Str("claim_id", req.ClaimID.String()).Msg("eligibility granted by payer policy")
		return PolicyEligibility(), nil
	}
	var out EligibilityResult
	if err := c.post(ctx, c.retrying, p, "eligibility", "/eligibility", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RequestAuthorization(ctx context.Context, p payer.Provider, req AuthorizationRequest) (*AuthorizationResult, error) {
	var out AuthorizationResult
	if err := c.post(ctx, c.retrying, p, "authorization", "/authorizations", "", req, &out); err != nil {
		return nil, err
	}
	switch out.Status {
	case AuthApproved, AuthPending, AuthDenied:
	default:
		return nil, &Error{Kind: KindUnavailable, Payer: p.ID, Op: "authorization",
			Detail: fmt.Sprintf("unknown authorization status %q", out.Status)}
	}
	return &out, nil
}

func (c *HTTPClient) SubmitClaim(ctx context.Context, p payer.Provider, req SubmissionRequest) (*SubmissionResult, error) {
	var out SubmissionResult
	if err := c.post(ctx, c.single, p, "submission", "/claims", SubmissionKey(req.ClaimID, req.Cycle), req, &out); err != nil {
		return nil, err
	}
	if out.Accepted && out.PayerClaimID == "" {
		return nil, &Error{Kind: KindUnavailable, Payer: p.ID, Op: "submission", Detail: "accepted without a payer claim id"}
	}
	return &out, nil
}

func (c *HTTPClient) SubmitAppeal(ctx context.Context, p payer.Provider, req AppealRequest) (*AppealResult, error) {
	var out AppealResult
	if err := c.post(ctx, c.single, p, "appeal", "/appeals", "appeal:"+SubmissionKey(req.ClaimID, req.Cycle), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) limiter(id string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[id]
	if !ok {
		burst := int(c.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.rps), burst)
		c.limiters[id] = l
	}
	return l
}

// SubmissionKey is the Idempotency-Key sent with a claim submission. A
// reclaimed stage re-sends the same key, so the payer can collapse a
// duplicate delivery of one cycle.
func SubmissionKey(claimID uuid.UUID, cycle int) string {
	return claimID.String() + ":" + strconv.Itoa(cycle)
}

func (c *HTTPClient) post(ctx context.Context, client *retryablehttp.Client, p payer.Provider, op, path, idemKey string, in, out interface{}) error {
	fail := func(kind Kind, status int, detail string, err error) error {
		return &Error{Kind: kind, Payer: p.ID, Op: op, StatusCode: status, Detail: detail, Err: err}
	}
	if p.Endpoint == "" || p.Credential == "" {
		return fail(KindAuth, 0, "payer has no endpoint or credential", nil)
	}

	if c.rps > 0 {
		if err := c.limiter(p.ID).Wait(ctx); err != nil {
			return fail(KindNetwork, 0, "rate limiter", err)
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.Credential)
	req.Header.Set("X-Payer-ID", p.ID)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fail(KindNetwork, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(KindNetwork, resp.StatusCode, "read response", err)
	}

	c.logger.Debug().
		Str("payer_id", p.ID).
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("payer call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(kindForStatus(resp.StatusCode), resp.StatusCode, errorDetail(raw), nil)
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return fail(KindUnavailable, resp.StatusCode, "malformed response", err)
	}
	return nil
}

// errorDetail extracts a message from a payer error body.
func errorDetail(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := string(bytes.TrimSpace(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsBusinessRejection reports whether err is a payer rejection rather than a
// transport or availability problem.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrProviderRejected)
}
