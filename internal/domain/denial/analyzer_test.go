package denial

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/domain/gateway"
	"github.com/ehr/claimflow/internal/domain/payer"
)

type stubPayers struct{ err error }

func (s stubPayers) Resolve(id string) (payer.Provider, error) {
	if s.err != nil {
		return payer.Provider{}, s.err
	}
	return payer.Provider{ID: id, Name: id, Category: payer.CategoryCommercial, Endpoint: "https://payer.test", Credential: "k", Active: true}, nil
}

type mockAppeals struct {
	calls int
	last  gateway.AppealRequest
	err   error
}

func (m *mockAppeals) SubmitAppeal(_ context.Context, _ payer.Provider, req gateway.AppealRequest) (*gateway.AppealResult, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &gateway.AppealResult{Reference: "APL-1", Status: "received"}, nil
}

type mockResubmitter struct{ ids []uuid.UUID }

func (m *mockResubmitter) Submit(_ context.Context, id uuid.UUID) error {
	m.ids = append(m.ids, id)
	return nil
}

type stubAdvisor struct {
	actions []string
	err     error
}

func (s stubAdvisor) Recommend(context.Context, *claim.Claim, *Analysis) ([]string, error) {
	return s.actions, s.err
}

type fixture struct {
	claims   *claim.MemoryRepository
	store    *MemoryRepository
	appeals  *mockAppeals
	resubmit *mockResubmitter
	analyzer *Analyzer
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		claims:   claim.NewMemoryRepository(),
		store:    NewMemoryRepository(),
		appeals:  &mockAppeals{},
		resubmit: &mockResubmitter{},
	}
	opts = append([]Option{WithResubmitter(f.resubmit)}, opts...)
	f.analyzer = NewAnalyzer(Config{}, f.claims, f.store, stubPayers{}, f.appeals, zerolog.Nop(), opts...)
	return f
}

func deniedClaim(reason string, codes []string, amount float64) *claim.Claim {
	return &claim.Claim{
		ID:               uuid.New(),
		PatientID:        uuid.New(),
		ProviderID:       uuid.New(),
		PayerID:          "aetna",
		ClaimNumber:      "CLM-" + uuid.NewString()[:8],
		ServiceDate:      time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		TotalAmount:      amount,
		ProcedureCode:    "99213",
		Status:           claim.StatusDenied,
		AutomationStatus: claim.AutomationCompleted,
		LastStep:         claim.StepClaimSubmission,
		NextStep:         claim.StepClaimSubmission,
		PayerClaimID:     "PCN-1",
		DenialCodes:      codes,
		DenialReason:     reason,
		Cycle:            1,
	}
}

func (f *fixture) create(t *testing.T, c *claim.Claim) *claim.Claim {
	t.Helper()
	if err := f.claims.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAnalyze_MissingDocumentation(t *testing.T) {
	f := newFixture()
	an := f.analyzer.Analyze(deniedClaim("Claim denied due to missing documentation", nil, 450))

	if len(an.Corrections) != 1 {
		t.Fatalf("expected exactly one correction, got %d: %+v", len(an.Corrections), an.Corrections)
	}
	corr := an.Corrections[0]
	if corr.Type != CorrectionDocumentation || corr.Confidence != 90 {
		t.Errorf("unexpected correction: %+v", corr)
	}
	if !an.AutoCorrectable {
		t.Error("expected analysis to be auto-correctable")
	}
	if corr.ProposedValue != "clinical_notes,medical_records" {
		t.Errorf("unexpected proposed documentation %q", corr.ProposedValue)
	}
}

func TestAnalyze_IncorrectProcedureCode(t *testing.T) {
	f := newFixture()
	an := f.analyzer.Analyze(deniedClaim("Incorrect procedure code for service billed", nil, 200))
	if len(an.Corrections) != 1 {
		t.Fatalf("expected one correction, got %+v", an.Corrections)
	}
	corr := an.Corrections[0]
	if corr.Type != CorrectionCodeChange || corr.Confidence != 85 || corr.Field != "procedure_code" {
		t.Errorf("unexpected correction: %+v", corr)
	}
	if corr.OriginalValue != "99213" || corr.ProposedValue != "99214" {
		t.Errorf("expected 99213 -> 99214, got %s -> %s", corr.OriginalValue, corr.ProposedValue)
	}
}

func TestAnalyze_CodeAndPhraseDeduplicated(t *testing.T) {
	f := newFixture()
	an := f.analyzer.Analyze(deniedClaim("Missing documentation", []string{"CO-16", "M127"}, 100))
	if len(an.Corrections) != 1 {
		t.Errorf("expected corrections deduplicated by type and field, got %d", len(an.Corrections))
	}
}

func TestAnalyze_DenialCodeTable(t *testing.T) {
	tests := []struct {
		code string
		typ  string
		conf int
	}{
		{"CO-16", CorrectionDocumentation, 90},
		{"CO-11", CorrectionCodeChange, 85},
		{"CO-4", CorrectionModifierAdd, 80},
		{"CO-31", CorrectionPatientInfo, 75},
	}
	f := newFixture()
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			an := f.analyzer.Analyze(deniedClaim("", []string{tt.code}, 100))
			if len(an.Corrections) != 1 || an.Corrections[0].Type != tt.typ || an.Corrections[0].Confidence != tt.conf {
				t.Errorf("unexpected corrections: %+v", an.Corrections)
			}
			if want := tt.conf >= 80; an.AutoCorrectable != want {
				t.Errorf("AutoCorrectable = %v, want %v", an.AutoCorrectable, want)
			}
		})
	}
}

func TestAnalyze_DocumentationAlreadyAttached(t *testing.T) {
	f := newFixture()
	c := deniedClaim("Claim denied due to missing documentation", nil, 450)
	c.Documentation = []string{"clinical_notes", "medical_records"}
	an := f.analyzer.Analyze(c)

	if len(an.Corrections) != 1 {
		t.Fatalf("expected one correction, got %+v", an.Corrections)
	}
	corr := an.Corrections[0]
	if corr.Type != CorrectionDocumentation || corr.Field != "documentation" || corr.Confidence != 90 {
		t.Errorf("unexpected correction: %+v", corr)
	}
	if corr.ProposedValue != corr.OriginalValue || corr.OriginalValue != "clinical_notes,medical_records" {
		t.Errorf("expected current documentation kept, got %q -> %q", corr.OriginalValue, corr.ProposedValue)
	}
	if !strings.Contains(corr.Justification, undeterminedNote) {
		t.Errorf("justification should say no value was derived: %q", corr.Justification)
	}
	if !an.AutoCorrectable {
		t.Error("expected analysis to be auto-correctable")
	}
}

func TestAnalyze_ProcedureCodeNotDerivable(t *testing.T) {
	f := newFixture()
	for _, code := range []string{"G0439", "99999", ""} {
		t.Run(code, func(t *testing.T) {
			c := deniedClaim("Incorrect procedure code", nil, 200)
			c.ProcedureCode = code
			an := f.analyzer.Analyze(c)
			if len(an.Corrections) != 1 {
				t.Fatalf("expected one correction, got %+v", an.Corrections)
			}
			corr := an.Corrections[0]
			if corr.Type != CorrectionCodeChange || corr.Field != "procedure_code" || corr.Confidence != 85 {
				t.Errorf("unexpected correction: %+v", corr)
			}
			if corr.OriginalValue != code || corr.ProposedValue != code {
				t.Errorf("expected %q kept, got %q -> %q", code, corr.OriginalValue, corr.ProposedValue)
			}
			if !strings.Contains(corr.Justification, undeterminedNote) {
				t.Errorf("justification should say no value was derived: %q", corr.Justification)
			}
		})
	}
}

func TestAnalyze_ModifierAlreadyPresent(t *testing.T) {
	f := newFixture()
	c := deniedClaim("", []string{"CO-4"}, 100)
	c.Modifiers = []string{"25"}
	an := f.analyzer.Analyze(c)
	if len(an.Corrections) != 1 {
		t.Fatalf("expected one correction, got %+v", an.Corrections)
	}
	if corr := an.Corrections[0]; corr.Type != CorrectionModifierAdd || corr.ProposedValue != "25" || corr.Confidence != 80 {
		t.Errorf("unexpected correction: %+v", corr)
	}
}

func TestAnalyze_RecommendedActionMatchesDisposition(t *testing.T) {
	const resubmit = "Apply high-confidence corrections and resubmit"
	const manual = "Route to billing staff for manual review"
	f := newFixture()

	open := f.analyzer.Analyze(deniedClaim("Missing documentation", nil, 100))
	if last := open.RecommendedActions[len(open.RecommendedActions)-1]; last != resubmit {
		t.Errorf("expected resubmission as final action, got %v", open.RecommendedActions)
	}

	c := deniedClaim("Missing documentation", nil, 100)
	c.Cycle = 3
	capped := f.analyzer.Analyze(c)
	for _, a := range capped.RecommendedActions {
		if a == resubmit {
			t.Errorf("capped claim must not recommend resubmission: %v", capped.RecommendedActions)
		}
	}
	if last := capped.RecommendedActions[len(capped.RecommendedActions)-1]; last != manual {
		t.Errorf("expected manual review as final action, got %v", capped.RecommendedActions)
	}
}

func TestAppealProbability(t *testing.T) {
	tests := []struct {
		name    string
		reasons []string
		amount  float64
		want    int
	}{
		{"base", []string{"Duplicate claim"}, 100, 50},
		{"documentation", []string{"Documentation does not support service"}, 100, 70},
		{"coding", []string{"Coding error"}, 100, 65},
		{"amount", nil, 500.01, 60},
		{"amount at threshold", nil, 500, 50},
		{"rounds before comparing", nil, 500.004, 50},
		{"all", []string{"coding and documentation issue"}, 900, 95},
		{"keywords counted once", []string{"documentation", "more documentation"}, 0, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AppealProbability(tt.reasons, tt.amount); got != tt.want {
				t.Errorf("AppealProbability() = %d, want %d", got, tt.want)
			}
		})
	}
}

// For any reasons and amount the probability stays within [50, 95] and never
// decreases when a qualifying keyword is added or the amount crosses 500.
func TestAppealProbability_Property(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	vocabulary := []string{"documentation", "coding", "eligibility", "duplicate", "timely filing", "Documentation", "CODING"}

	for i := 0; i < 2000; i++ {
		var reasons []string
		for j := r.Intn(5); j > 0; j-- {
			reasons = append(reasons, vocabulary[r.Intn(len(vocabulary))]+" issue")
		}
		amount := r.Float64() * 2000

		p := AppealProbability(reasons, amount)
		if p < 50 || p > 95 {
			t.Fatalf("probability %d out of bounds for %v / %.2f", p, reasons, amount)
		}
		if more := AppealProbability(append(reasons, "missing documentation"), amount); more < p {
			t.Fatalf("adding documentation lowered probability: %d -> %d", p, more)
		}
		if more := AppealProbability(append(reasons, "coding mismatch"), amount); more < p {
			t.Fatalf("adding coding lowered probability: %d -> %d", p, more)
		}
		if amount <= 500 {
			if more := AppealProbability(reasons, 501); more < p {
				t.Fatalf("crossing 500 lowered probability: %d -> %d", p, more)
			}
		}
	}
}

func TestHandle_AutoCorrectAndResubmit(t *testing.T) {
	f := newFixture()
	c := f.create(t, deniedClaim("Missing documentation", []string{"CO-16"}, 450))

	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.Disposition != claim.DispositionAutoCorrected {
		t.Errorf("expected auto_corrected, got %s", an.Disposition)
	}

	got, _ := f.claims.GetByID(context.Background(), c.ID)
	if got.Cycle != 2 || got.AutomationStatus != claim.AutomationPending || got.NextStep != claim.StepClaimSubmission {
		t.Errorf("claim not reopened for submission: cycle=%d status=%s next=%s", got.Cycle, got.AutomationStatus, got.NextStep)
	}
	if len(got.Documentation) != 2 {
		t.Errorf("expected documentation attached, got %v", got.Documentation)
	}
	if len(f.resubmit.ids) != 1 || f.resubmit.ids[0] != c.ID {
		t.Errorf("expected one resubmission, got %v", f.resubmit.ids)
	}
	if f.appeals.calls != 0 {
		t.Errorf("expected no appeal, got %d", f.appeals.calls)
	}
	if saved, err := f.store.LatestAnalysis(context.Background(), c.ID); err != nil || saved.Disposition != claim.DispositionAutoCorrected {
		t.Errorf("analysis not saved: %+v %v", saved, err)
	}
}

func TestHandle_Appeal(t *testing.T) {
	f := newFixture()
	c := f.create(t, deniedClaim("Documentation of medical necessity insufficient", []string{"CO-50"}, 800))

	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.AppealProbability != 80 || an.Disposition != claim.DispositionAppealed {
		t.Errorf("unexpected analysis: probability=%d disposition=%s", an.AppealProbability, an.Disposition)
	}
	if f.appeals.calls != 1 {
		t.Fatalf("expected one appeal call, got %d", f.appeals.calls)
	}
	if f.appeals.last.RequestedAmount != 800 || len(f.appeals.last.Grounds) == 0 || f.appeals.last.DenialReasons[0].Code != "CO-50" {
		t.Errorf("unexpected appeal packet: %+v", f.appeals.last)
	}

	appeals, _ := f.store.ListAppeals(context.Background(), c.ID)
	if len(appeals) != 1 || appeals[0].Status != AppealSubmitted || appeals[0].Reference != "APL-1" || appeals[0].AnalysisID != an.ID {
		t.Errorf("unexpected stored appeal: %+v", appeals)
	}
	if f.appeals.last.ClaimID != c.ID || f.appeals.last.Cycle != 1 {
		t.Errorf("appeal request not keyed by claim and cycle: %+v", f.appeals.last)
	}
	got, _ := f.claims.GetByID(context.Background(), c.ID)
	if got.DenialDisposition != claim.DispositionAppealed {
		t.Errorf("expected claim disposition appealed, got %s", got.DenialDisposition)
	}
}

func TestHandle_AppealFailureFallsBackToManualReview(t *testing.T) {
	f := newFixture()
	f.appeals.err = &gateway.Error{Kind: gateway.KindUnavailable, Payer: "aetna", Op: "appeal", StatusCode: 503}
	c := f.create(t, deniedClaim("Documentation of medical necessity insufficient", nil, 800))

	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.Disposition != claim.DispositionManualReview {
		t.Errorf("expected manual_review, got %s", an.Disposition)
	}
	appeals, _ := f.store.ListAppeals(context.Background(), c.ID)
	if len(appeals) != 1 || appeals[0].Status != AppealFailed || appeals[0].Error == "" {
		t.Errorf("expected failed appeal on record, got %+v", appeals)
	}
	saved, _ := f.store.LatestAnalysis(context.Background(), c.ID)
	if saved.Disposition != claim.DispositionManualReview {
		t.Errorf("expected stored analysis moved to manual_review, got %s", saved.Disposition)
	}
	got, _ := f.claims.GetByID(context.Background(), c.ID)
	if got.DenialDisposition != claim.DispositionManualReview {
		t.Errorf("expected claim disposition manual_review, got %s", got.DenialDisposition)
	}
}

// failingStore fails selected writes.
type failingStore struct {
	*MemoryRepository
	saveAnalysisErr error
	updateAppealErr error
}

func (s *failingStore) SaveAnalysis(ctx context.Context, a *Analysis) error {
	if s.saveAnalysisErr != nil {
		return s.saveAnalysisErr
	}
	return s.MemoryRepository.SaveAnalysis(ctx, a)
}

func (s *failingStore) UpdateAppeal(ctx context.Context, ap *Appeal) error {
	if s.updateAppealErr != nil {
		return s.updateAppealErr
	}
	return s.MemoryRepository.UpdateAppeal(ctx, ap)
}

func TestHandle_SaveAnalysisFailureLeavesClaimForNextSweep(t *testing.T) {
	claims := claim.NewMemoryRepository()
	store := &failingStore{MemoryRepository: NewMemoryRepository(), saveAnalysisErr: errors.New("disk full")}
	appeals := &mockAppeals{}
	a := NewAnalyzer(Config{}, claims, store, stubPayers{}, appeals, zerolog.Nop())

	c := deniedClaim("Documentation of medical necessity insufficient", []string{"CO-50"}, 800)
	if err := claims.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Handle(context.Background(), c.ID); err == nil {
		t.Fatal("expected error when the analysis cannot be saved")
	}
	got, _ := claims.GetByID(context.Background(), c.ID)
	if got.DenialDisposition != claim.DispositionNone {
		t.Errorf("disposition committed without an analysis: %s", got.DenialDisposition)
	}
	if appeals.calls != 0 {
		t.Errorf("appeal filed without an audit record, calls=%d", appeals.calls)
	}

	store.saveAnalysisErr = nil
	an, err := a.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if an.Disposition != claim.DispositionAppealed || appeals.calls != 1 {
		t.Errorf("expected the retry to appeal once, got %s with %d calls", an.Disposition, appeals.calls)
	}
	list, _ := store.ListAppeals(context.Background(), c.ID)
	if len(list) != 1 || list[0].Status != AppealSubmitted {
		t.Errorf("unexpected appeals: %+v", list)
	}
}

func TestHandle_AppealOutcomeNotStoredStaysPending(t *testing.T) {
	claims := claim.NewMemoryRepository()
	store := &failingStore{MemoryRepository: NewMemoryRepository(), updateAppealErr: errors.New("connection reset")}
	appeals := &mockAppeals{}
	a := NewAnalyzer(Config{}, claims, store, stubPayers{}, appeals, zerolog.Nop())

	c := deniedClaim("Documentation of medical necessity insufficient", nil, 800)
	if err := claims.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Handle(context.Background(), c.ID); err == nil {
		t.Fatal("expected error when the appeal outcome cannot be stored")
	}
	list, _ := store.ListAppeals(context.Background(), c.ID)
	if len(list) != 1 || list[0].Status != AppealPending {
		t.Errorf("expected the filed appeal on record as pending, got %+v", list)
	}
	got, _ := claims.GetByID(context.Background(), c.ID)
	if got.DenialDisposition != claim.DispositionAppealed {
		t.Errorf("expected claim disposition appealed, got %s", got.DenialDisposition)
	}
	if _, err := a.Handle(context.Background(), c.ID); !errors.Is(err, ErrNotDenied) {
		t.Errorf("appeal must not be filed twice, got %v", err)
	}
}

func TestHandle_ManualReview(t *testing.T) {
	f := newFixture()
	c := f.create(t, deniedClaim("Duplicate claim", []string{"CO-18"}, 120))

	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.Disposition != claim.DispositionManualReview || an.AppealProbability != 50 {
		t.Errorf("unexpected analysis: %+v", an)
	}
	if f.appeals.calls != 0 || len(f.resubmit.ids) != 0 {
		t.Error("manual review must not trigger automated actions")
	}
}

func TestHandle_OnlyOnce(t *testing.T) {
	f := newFixture()
	c := f.create(t, deniedClaim("Duplicate claim", nil, 120))

	if _, err := f.analyzer.Handle(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.analyzer.Handle(context.Background(), c.ID); !errors.Is(err, ErrNotDenied) {
		t.Errorf("expected ErrNotDenied on second handling, got %v", err)
	}
}

func TestHandle_RejectsClaimsNotDenied(t *testing.T) {
	f := newFixture()
	c := deniedClaim("Missing documentation", nil, 100)
	c.Status = claim.StatusSubmitted
	f.create(t, c)
	if _, err := f.analyzer.Handle(context.Background(), c.ID); !errors.Is(err, ErrNotDenied) {
		t.Errorf("expected ErrNotDenied, got %v", err)
	}
}

func TestHandle_ResubmissionCapped(t *testing.T) {
	f := newFixture()
	c := deniedClaim("Missing documentation", nil, 100)
	c.Cycle = 3
	f.create(t, c)

	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.Disposition != claim.DispositionManualReview {
		t.Errorf("expected manual review after repeated resubmissions, got %s", an.Disposition)
	}
}

func TestHandle_AdvisorEnrichesActions(t *testing.T) {
	f := newFixture(WithAdvisor(stubAdvisor{actions: []string{"Call the payer's provider line"}}))
	c := f.create(t, deniedClaim("Duplicate claim", nil, 120))
	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if an.RecommendedActions[len(an.RecommendedActions)-1] != "Call the payer's provider line" {
		t.Errorf("expected advisor action appended, got %v", an.RecommendedActions)
	}
}

func TestHandle_AdvisorFailureFallsBack(t *testing.T) {
	f := newFixture(WithAdvisor(stubAdvisor{err: errors.New("assistant timeout")}))
	c := f.create(t, deniedClaim("Duplicate claim", nil, 120))
	an, err := f.analyzer.Handle(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(an.RecommendedActions) != 1 || an.RecommendedActions[0] != "Route to billing staff for manual review" {
		t.Errorf("expected rule recommendations only, got %v", an.RecommendedActions)
	}
}

func TestBumpCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"99213", "99214", true},
		{"00100", "00101", true},
		{"99999", "", false},
		{"J1100", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bumpCode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bumpCode(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
