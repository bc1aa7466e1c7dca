package risk

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

type stubRule struct {
	name      string
	weight    int
	triggered bool
	err       error
}

func (r *stubRule) Name() string { return r.name }

func (r *stubRule) Weight() int { return r.weight }

func (r *stubRule) Evaluate(ctx context.Context, req *Request) (bool, string, error) {
	if r.err != nil {
		return false, "", r.err
	}
	if r.triggered {
		return true, r.name + " triggered", nil
	}
	return false, "", nil
}

func scoringEngine(weights ...int) *Engine {
	rules := make([]Rule, len(weights))
	for i, w := range weights {
		rules[i] = &stubRule{name: "rule", weight: w, triggered: true}
	}
	return NewEngine(rules, time.Hour, nil)
}

func testRequest() *Request {
	return &Request{
		OperationID: "op-1",
		UserID:      "alice",
		ToAddress:   "0xdead",
		TokenID:     "usdt",
		Amount:      "1000",
		ChainID:     domain.ChainID("eth"),
	}
}

func TestEvaluate_ScoreBoundaries(t *testing.T) {
	cases := []struct {
		score     int
		decision  domain.RiskDecision
		approvals int
	}{
		{0, domain.RiskDecisionAutoApprove, 0},
		{30, domain.RiskDecisionAutoApprove, 0},
		{31, domain.RiskDecisionManualReview, 1},
		{70, domain.RiskDecisionManualReview, 1},
		{71, domain.RiskDecisionManualReview, 2},
		{90, domain.RiskDecisionManualReview, 2},
		{91, domain.RiskDecisionDeny, 0},
	}
	for _, tc := range cases {
		a := scoringEngine(tc.score).Evaluate(context.Background(), testRequest())
		if a.RiskScore != tc.score {
			t.Errorf("score %d: recorded score %d", tc.score, a.RiskScore)
		}
		if a.Decision != tc.decision {
			t.Errorf("score %d: expected %s, got %s", tc.score, tc.decision, a.Decision)
		}
		if a.RequiredApprovals != tc.approvals {
			t.Errorf("score %d: expected %d approvals, got %d", tc.score, tc.approvals, a.RequiredApprovals)
		}
	}
}

func TestEvaluate_SumsTriggeredWeightsOnly(t *testing.T) {
	e := NewEngine([]Rule{
		&stubRule{name: "a", weight: 20, triggered: true},
		&stubRule{name: "b", weight: 50, triggered: false},
		&stubRule{name: "c", weight: 25, triggered: true},
	}, time.Hour, nil)

	a := e.Evaluate(context.Background(), testRequest())
	if a.RiskScore != 45 {
		t.Errorf("expected score 45, got %d", a.RiskScore)
	}
	if len(a.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", a.Reasons)
	}
}

func TestEvaluate_RuleErrorFailsClosed(t *testing.T) {
	e := NewEngine([]Rule{
		&stubRule{name: "broken", weight: 10, err: errors.New("store down")},
	}, time.Hour, nil)

	a := e.Evaluate(context.Background(), testRequest())
	if a.Decision != domain.RiskDecisionManualReview {
		t.Fatalf("expected manual review on rule failure, got %s", a.Decision)
	}
	if a.RequiredApprovals != 1 {
		t.Errorf("expected 1 required approval, got %d", a.RequiredApprovals)
	}
	if len(a.Reasons) == 0 {
		t.Error("expected a reason naming the unavailable rule")
	}
}

func TestEvaluate_AssessmentExpiry(t *testing.T) {
	e := NewEngine(nil, 2*time.Hour, nil)

	a := e.Evaluate(context.Background(), testRequest())
	ttl := a.ExpiresAt.Sub(a.CreatedAt)
	if ttl != 2*time.Hour {
		t.Errorf("expected 2h assessment lifetime, got %s", ttl)
	}
}

func TestLargeAmountRule(t *testing.T) {
	rule := &LargeAmountRule{Threshold: big.NewInt(1_000_000), RuleWeight: 50}
	ctx := context.Background()

	req := testRequest()
	req.Amount = "999999"
	triggered, _, err := rule.Evaluate(ctx, req)
	if err != nil || triggered {
		t.Errorf("below threshold: triggered=%v err=%v", triggered, err)
	}

	req.Amount = "1000000"
	triggered, reason, err := rule.Evaluate(ctx, req)
	if err != nil || !triggered {
		t.Errorf("at threshold: triggered=%v err=%v", triggered, err)
	}
	if reason == "" {
		t.Error("expected a reason when triggered")
	}

	req.Amount = "not-a-number"
	if _, _, err := rule.Evaluate(ctx, req); err == nil {
		t.Error("expected error for malformed amount")
	}
}

func TestNovelDestinationRule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	credits := memory.NewCreditRepo(store)
	rule := &NovelDestinationRule{Credits: credits, RuleWeight: 20}

	triggered, _, err := rule.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !triggered {
		t.Error("expected first-seen destination to trigger")
	}

	err = credits.Append(ctx, &domain.Credit{
		UserID:        "alice",
		TokenID:       "usdt",
		Amount:        "-100",
		CreditType:    domain.CreditTypeWithdraw,
		ReferenceID:   "wd-0",
		ReferenceType: "withdraw",
		Address:       "0xdead",
		Status:        domain.CreditStatusFinalized,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	triggered, _, err = rule.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if triggered {
		t.Error("expected known destination not to trigger")
	}
}
