package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/classify"
	"github.com/fapiaoAI/invoice-audit-service/internal/kb"
	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/verify"
)

type stubExtractor struct {
	rec models.InvoiceRecord
}

func (s *stubExtractor) Extract(_ context.Context, _ []byte, _ string) *models.InvoiceRecord {
	r := s.rec
	return &r
}

type stubVerifier struct {
	res      models.Verification
	called   bool
	gotEl    verify.Elements
	gotAllow bool
}

func (s *stubVerifier) Verify(_ context.Context, el verify.Elements, allow bool) models.Verification {
	s.called = true
	s.gotEl = el
	s.gotAllow = allow
	return s.res
}

type stubRetriever struct {
	account string
}

func (s *stubRetriever) Search(_ string, _ int) []kb.Hit {
	return []kb.Hit{{Doc: "公司报销制度.md", Title: "公司报销制度", Content: "报销周期180天", Score: 0.72}}
}

func (s *stubRetriever) ScoreAccounts(_ string, _ int) []models.AccountCandidate {
	if s.account == "" {
		return nil
	}
	return []models.AccountCandidate{{Account: s.account, Score: 1.9, Matched: []string{"住宿"}}}
}

func (s *stubRetriever) ChooseAccount(_ string) string { return s.account }

func (s *stubRetriever) ApprovalFor(_ *models.InvoiceRecord) kb.ApprovalMatch {
	hi := 5000.0
	th := kb.Threshold{Min: 1000, Max: &hi, Approvers: "部门经理、财务经理审批"}
	return kb.ApprovalMatch{Category: "travel", Rules: []kb.Threshold{th}, Matched: &th}
}

func (s *stubRetriever) AccountingTexts() map[string]string {
	return map[string]string{"accounting_rules.txt": "住宿归差旅费"}
}

func (s *stubRetriever) VerificationTexts() map[string]string {
	return map[string]string{"verification_points.txt": "查验有效期约3个月"}
}

func (s *stubRetriever) ApprovalTexts() map[string]string {
	return map[string]string{"approval_process.txt": "差旅费审批流程"}
}

func (s *stubRetriever) VerificationWindowDays() int { return 90 }

func lodgingRecord() models.InvoiceRecord {
	return models.InvoiceRecord{
		InvoiceNumber:     "12345678",
		InvoiceCode:       "012345678901",
		InvoiceDate:       "2025-03-02",
		SellerName:        "如家酒店管理有限公司",
		TotalAmount:       "100.00",
		TotalTax:          "3.00",
		AmountInFigures:   "103.00",
		CheckCode:         "123456",
		InvoiceType:       "增值税电子普通发票",
		ServiceTypeDetail: "住宿服务",
		Filename:          "发票.pdf",
	}
}

func newTestProcessor(ext *stubExtractor, ver *stubVerifier, ret *stubRetriever) *Processor {
	// nil provider: rules and the keyword map decide alone.
	return NewProcessor(ext, ver, ret, nil, models.AuditConfig{})
}

func TestProcessLodgingInvoice(t *testing.T) {
	ext := &stubExtractor{rec: lodgingRecord()}
	ver := &stubVerifier{res: models.Verification{
		IsValid: true,
		Message: "验真成功，校验码：123456",
		Data: &models.VerifyData{
			SumAmount: "103.00",
			GoodsData: []models.GoodsItem{{Name: "住宿费", Amount: "100.00"}},
		},
	}}
	ret := &stubRetriever{account: "6603-差旅费-住宿"}

	report := newTestProcessor(ext, ver, ret).Process(context.Background(), Request{
		Filename: "发票.pdf",
		UserNote: "出差杭州住宿",
		NowDate:  "2025-04-01",
	})

	require.True(t, ver.called)
	// All five elements present: strict verification.
	assert.False(t, ver.gotAllow)
	assert.Equal(t, "012345678901", ver.gotEl.FPDM)
	assert.Equal(t, "12345678", ver.gotEl.FPHM)
	assert.Equal(t, "123456", ver.gotEl.CheckCode)

	assert.Equal(t, "差旅费-住宿", report.ExpenseType)
	assert.Equal(t, "6603-差旅费", report.Accounting.AccountSubject)
	assert.True(t, report.Verification.IsValid)

	// Verified goods lines written back.
	require.Len(t, report.InvoiceInfo.Goods, 1)
	assert.Equal(t, "住宿费", report.InvoiceInfo.Goods[0].Name)

	// Amounts reconcile and the invoice is in window: no hard risks.
	assert.NotContains(t, report.Risk.RiskPoints, "价税合计与不含税+税额不一致")
	assert.Equal(t, "中", report.Risk.RiskLevel)

	// Approval carries the matched threshold band.
	found := false
	for _, n := range report.Approval.ApprovalNotes {
		if n == "【制度阈值】类别=travel 金额区间=1000~5000元，审批链：部门经理、财务经理审批" {
			found = true
		}
	}
	assert.True(t, found, "threshold note missing: %v", report.Approval.ApprovalNotes)

	assert.Empty(t, report.PolicyWarnings)
	assert.NotEmpty(t, report.ProcessedTime)
	require.NotEmpty(t, report.KeywordAccountCandidates)
	assert.Equal(t, "6603-差旅费-住宿", report.KeywordAccountCandidates[0].Account)
}

func TestProcessOCRFailure(t *testing.T) {
	ext := &stubExtractor{rec: models.InvoiceRecord{OCRError: "qps:18:Open api qps request limit reached"}}
	ver := &stubVerifier{}

	report := newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{})

	assert.False(t, ver.called)
	assert.Equal(t, "UNKNOWN", report.ExpenseType)
	assert.Equal(t, "UNKNOWN", report.Accounting.AccountSubject)
	assert.Equal(t, "高", report.Risk.RiskLevel)
	assert.Contains(t, report.Risk.RiskPoints, "OCR接口限流/失败，关键要素缺失导致无法验真")
	assert.Contains(t, report.Verification.Message, "OCR失败：qps:18:Open api qps request limit reached")
	assert.Contains(t, report.Approval.ApprovalNotes, "发票要素缺失，请补充或改日重传")
}

func TestProcessMissingElementsSkipsVerifier(t *testing.T) {
	ext := &stubExtractor{rec: models.InvoiceRecord{SellerName: "某公司"}}
	ver := &stubVerifier{}

	report := newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{})

	assert.False(t, ver.called)
	assert.Equal(t,
		"验真要素不足：缺少 发票号码,开票日期,金额。请上传原始 PDF/OFD 或清晰票面（含二维码）。",
		report.Verification.Message)
	assert.Contains(t, report.PolicyWarnings, "发票信息不完整，缺少 invoice_number")
}

func TestProcessRelaxedVerificationWithoutCheckCode(t *testing.T) {
	rec := lodgingRecord()
	rec.CheckCode = ""
	rec.InvoiceType = "增值税普通发票"
	ext := &stubExtractor{rec: rec}
	ver := &stubVerifier{res: models.Verification{IsValid: true, Message: "验真成功"}}

	newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{})

	require.True(t, ver.called)
	assert.True(t, ver.gotAllow)
}

func TestProcessEvidenceDateMismatch(t *testing.T) {
	rec := lodgingRecord()
	rec.InvoiceDate = "2025-01-01"
	ext := &stubExtractor{rec: rec}
	ver := &stubVerifier{res: models.Verification{IsValid: true}}

	report := newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{
		NowDate: "2025-03-01",
		Evidence: []models.EvidenceFile{
			{Filename: "行程单_2025-06-01.png"},
		},
	})

	// Filename date clue parsed into the evidence record.
	require.Len(t, report.InvoiceInfo.Evidence, 1)
	assert.Equal(t, "佐证材料", report.InvoiceInfo.Evidence[0].Type)
	assert.Equal(t, "2025-06-01", report.InvoiceInfo.Evidence[0].DerivedDate)

	assert.Contains(t, report.Risk.RiskPoints, "佐证日期与发票日期相差 151 天（>90 天）")
	assert.Equal(t, []string{"佐证材料"}, report.InvoiceInfo.EvidenceTypesPresent)
}

func TestProcessEvidenceAmountMismatch(t *testing.T) {
	ext := &stubExtractor{rec: lodgingRecord()}
	ver := &stubVerifier{res: models.Verification{IsValid: true}}

	report := newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{
		NowDate: "2025-04-01",
		Evidence: []models.EvidenceFile{
			{Filename: "收据_86.5元.png", Type: "收据"},
		},
	})

	require.Len(t, report.InvoiceInfo.Evidence, 1)
	assert.Equal(t, "86.5", report.InvoiceInfo.Evidence[0].DerivedAmount)
	assert.Contains(t, report.Risk.RiskPoints, "佐证金额线索（86.50）与发票金额（103.00）不一致")
	assert.Equal(t, []string{"收据"}, report.InvoiceInfo.EvidenceTypesPresent)
}

type recordingProvider struct {
	calls [][]classify.Message
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Chat(_ context.Context, msgs []classify.Message) (string, error) {
	p.calls = append(p.calls, msgs)
	return "", errors.New("unavailable")
}

func TestProcessRemarkOnlyLodgingSkipsClassifier(t *testing.T) {
	ext := &stubExtractor{rec: models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		InvoiceDate:     "2025-03-02",
		AmountInFigures: "103.00",
		SellerName:      "某某信息科技有限公司",
		ServiceType:     "服务",
		Remark:          "住宿费",
	}}
	ver := &stubVerifier{res: models.Verification{IsValid: true}}
	provider := &recordingProvider{}

	p := NewProcessor(ext, ver, &stubRetriever{}, provider, models.AuditConfig{})
	report := p.Process(context.Background(), Request{})

	// The lodging remark upgrades the generic "服务" class before the
	// vote, so detail weight pushes the score past the strong threshold.
	assert.Equal(t, "住宿服务", report.InvoiceInfo.ServiceType)
	assert.Equal(t, "差旅费-住宿", report.ExpenseType)

	// Strong rule match: the classification prompt never goes out. The
	// narrative prompts still may.
	for _, call := range provider.calls {
		for _, m := range call {
			assert.NotContains(t, m.Content, "分类助手")
		}
	}
}

func TestProcessTaxiForcesTravel(t *testing.T) {
	rec := lodgingRecord()
	rec.ServiceTypeDetail = "客运服务费"
	rec.Remark = "滴滴出行 行程单"
	ext := &stubExtractor{rec: rec}
	ver := &stubVerifier{res: models.Verification{IsValid: true}}

	report := newTestProcessor(ext, ver, &stubRetriever{}).Process(context.Background(), Request{})

	assert.Contains(t, report.ExpenseType, "差旅费")
}
