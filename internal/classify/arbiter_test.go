package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/rules"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

// stubProvider returns a fixed reply, or fails the test when called
// while forbidden.
type stubProvider struct {
	t         *testing.T
	reply     string
	err       error
	forbidden bool
	called    bool
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(_ context.Context, _ []Message) (string, error) {
	if s.forbidden {
		s.t.Fatal("model called on a strong rule match")
	}
	s.called = true
	return s.reply, s.err
}

func newArbiter(p Provider) *Arbiter {
	return NewArbiter(p, models.AuditConfig{})
}

func TestStrongRuleSkipsModel(t *testing.T) {
	stub := &stubProvider{t: t, forbidden: true}
	a := newArbiter(stub)

	dec := a.Classify(context.Background(), signal.Bag{},
		rules.Result{ExpenseType: "差旅费-住宿", Account: "6603-差旅费", Score: 2.4, Evidence: []string{"住宿"}})

	assert.Equal(t, "差旅费-住宿", dec.ExpenseType)
	assert.Equal(t, "6603-差旅费", dec.Account)
	assert.InDelta(t, 0.98, dec.Confidence, 1e-9)
	require.Len(t, dec.Evidence, 1)
	assert.Contains(t, dec.Evidence[0], "规则强匹配")
}

func TestRuleFallbackOnUnknownModel(t *testing.T) {
	stub := &stubProvider{t: t, reply: `{"expense_type": "UNKNOWN", "account_subject": "UNKNOWN", "confidence": 0.3}`}
	a := newArbiter(stub)

	dec := a.Classify(context.Background(), signal.Bag{},
		rules.Result{ExpenseType: "办公费", Account: "6601-办公费", Score: 1.2, Evidence: []string{"复印纸"}})

	assert.True(t, stub.called)
	assert.Equal(t, "办公费", dec.ExpenseType)
	assert.Equal(t, "6601-办公费", dec.Account)
	assert.InDelta(t, 0.72, dec.Confidence, 1e-9)
	assert.Contains(t, dec.Evidence[len(dec.Evidence)-1], "规则兜底")
}

func TestRuleOverridesDisagreeingModel(t *testing.T) {
	stub := &stubProvider{t: t, reply: `{"expense_type": "办公费", "account_subject": "6601-办公费", "confidence": 0.8}`}
	cfg := models.AuditConfig{StrongRuleScore: 99}
	a := NewArbiter(stub, cfg)

	dec := a.Classify(context.Background(), signal.Bag{},
		rules.Result{ExpenseType: "差旅费-住宿", Account: "6603-差旅费", Score: 2.6, Evidence: []string{"住宿"}})

	assert.Equal(t, "差旅费-住宿", dec.ExpenseType)
	assert.Equal(t, "6603-差旅费", dec.Account)
	assert.GreaterOrEqual(t, dec.Confidence, 0.9)
	assert.Contains(t, dec.Evidence[len(dec.Evidence)-1], "规则覆盖LLM")
}

func TestModelErrorDegradesToUnknown(t *testing.T) {
	stub := &stubProvider{t: t, err: errors.New("boom")}
	a := newArbiter(stub)

	dec := a.Classify(context.Background(), signal.Bag{}, rules.Result{ExpenseType: rules.Unknown, Account: rules.Unknown})

	assert.Equal(t, rules.Unknown, dec.ExpenseType)
	assert.Equal(t, rules.Unknown, dec.Account)
	assert.Zero(t, dec.Confidence)
}

func TestNilProvider(t *testing.T) {
	a := newArbiter(nil)

	dec := a.Classify(context.Background(), signal.Bag{}, rules.Result{ExpenseType: rules.Unknown, Account: rules.Unknown})

	assert.Equal(t, rules.Unknown, dec.ExpenseType)
}

func TestModelAnswerAcceptedWhenConfident(t *testing.T) {
	stub := &stubProvider{t: t, reply: "```json\n{\"expense_type\": \"会议费\", \"account_subject\": \"6604-会议费\", \"confidence\": 0.91, \"evidence\": [\"会务明细\"]}\n```"}
	a := newArbiter(stub)

	dec := a.Classify(context.Background(), signal.Bag{}, rules.Result{ExpenseType: rules.Unknown, Account: rules.Unknown})

	assert.Equal(t, "会议费", dec.ExpenseType)
	assert.Equal(t, "6604-会议费", dec.Account)
	assert.InDelta(t, 0.91, dec.Confidence, 1e-9)
}

func TestNormalizeCollapsesOutOfSetLabels(t *testing.T) {
	d := Decision{ExpenseType: "餐饮娱乐", Account: "9999-乱码", Confidence: 1.5}
	d.normalize()

	assert.Equal(t, rules.Unknown, d.ExpenseType)
	assert.Equal(t, rules.Unknown, d.Account)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestNormalizeKeepsCompositeLabels(t *testing.T) {
	d := Decision{ExpenseType: "差旅费-市内交通/打车", Account: "6603-差旅费", Confidence: 0.9}
	d.normalize()

	assert.Equal(t, "差旅费-市内交通/打车", d.ExpenseType)
}

func TestNormalizeInfersTypeFromAccount(t *testing.T) {
	d := Decision{ExpenseType: rules.Unknown, Account: "6605-培训费", Confidence: 0.8}
	d.normalize()

	assert.Equal(t, "培训费", d.ExpenseType)
}
