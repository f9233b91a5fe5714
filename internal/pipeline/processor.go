// Package pipeline orchestrates one invoice audit end to end: OCR
// extraction, amount reconciliation, authenticity verification with
// write-back, expense classification, knowledge retrieval, and the
// three narrative blocks with their rule-based post-processing.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fapiaoAI/invoice-audit-service/internal/classify"
	"github.com/fapiaoAI/invoice-audit-service/internal/kb"
	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/qr"
	"github.com/fapiaoAI/invoice-audit-service/internal/refs"
	"github.com/fapiaoAI/invoice-audit-service/internal/risk"
	"github.com/fapiaoAI/invoice-audit-service/internal/rules"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
	"github.com/fapiaoAI/invoice-audit-service/internal/verify"
)

// Keyword-map scores at or above this pick the account directly.
const hardThresholdScore = 0.85

// Extractor produces an invoice record from a raw file.
type Extractor interface {
	Extract(ctx context.Context, fileBytes []byte, filename string) *models.InvoiceRecord
}

// Verifier checks invoice authenticity from its five elements.
type Verifier interface {
	Verify(ctx context.Context, el verify.Elements, allowWithoutCheckCode bool) models.Verification
}

// Retriever is the knowledge-base surface the pipeline consumes.
type Retriever interface {
	Search(query string, topK int) []kb.Hit
	ScoreAccounts(text string, topK int) []models.AccountCandidate
	ChooseAccount(text string) string
	ApprovalFor(rec *models.InvoiceRecord) kb.ApprovalMatch
	AccountingTexts() map[string]string
	VerificationTexts() map[string]string
	ApprovalTexts() map[string]string
	VerificationWindowDays() int
}

// Processor runs the audit pipeline.
type Processor struct {
	extractor Extractor
	verifier  Verifier
	retriever Retriever
	arbiter   *classify.Arbiter
	narrator  *risk.Narrator
	checker   *risk.Checker
	cfg       models.AuditConfig
	now       func() time.Time
}

// NewProcessor wires the collaborators together.
func NewProcessor(extractor Extractor, verifier Verifier, retriever Retriever,
	provider classify.Provider, cfg models.AuditConfig) *Processor {
	cfg.Defaults()
	return &Processor{
		extractor: extractor,
		verifier:  verifier,
		retriever: retriever,
		arbiter:   classify.NewArbiter(provider, cfg),
		narrator:  risk.NewNarrator(provider),
		checker:   risk.NewChecker(cfg),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Request is one audit job. NowDate is the caller's current date
// (YYYY-MM-DD); when empty, all date-window checks stay silent.
type Request struct {
	FileBytes []byte
	Filename  string
	UserNote  string
	Evidence  []models.EvidenceFile
	NowDate   string
}

// Process runs the full audit and always returns a report.
func (p *Processor) Process(ctx context.Context, req Request) *models.Report {
	rec := p.extractor.Extract(ctx, req.FileBytes, req.Filename)
	rec.NowDate = strings.TrimSpace(req.NowDate)
	rec.Evidence = enrichEvidence(req.Evidence)

	normalizeAmounts(rec)

	if rec.OCRError != "" {
		return p.degradedReport(rec)
	}

	verification := p.verifyOnce(ctx, rec)

	// Write verified amounts and goods lines back, fill-missing only.
	if verification.Data != nil {
		fillIfEmpty(&rec.AmountInFigures, verification.Data.SumAmount)
		fillIfEmpty(&rec.TotalAmount, verification.Data.GoodsAmount)
		fillIfEmpty(&rec.TotalTax, verification.Data.TaxAmount)
		rec.Goods = verification.Data.GoodsData
		normalizeAmounts(rec)
	}

	bag := signal.Collect(rec, verification.Data, req.UserNote)

	// Upgrade a generic OCR class like "服务" before voting: the inferred
	// type feeds the bag's detail slot, so lodging or transit wording in
	// the goods lines and remark counts at detail weight.
	rec.ServiceType = signal.InferServiceType(rec, bag.Goods, req.UserNote, rec.Remark)
	bag = signal.Collect(rec, verification.Data, req.UserNote)
	flags := signal.DeriveFlags(bag)

	forceTravel := signal.ForceTravel(strings.ToLower(strings.Join(bag.Texts(), " ")))
	if forceTravel {
		rec.ServiceType = "交通"
	}

	vote := rules.Vote(bag)
	decision := p.arbiter.Classify(ctx, bag, vote)
	expenseType := decision.ExpenseType
	confidence := decision.Confidence

	// Keyword-map arbitration when the decision stayed weak.
	if expenseType == rules.Unknown || decision.Account == rules.Unknown || confidence < p.cfg.MinConfidence {
		kwText := strings.Join(append(append([]string{}, bag.Goods...), req.UserNote, rec.Remark), " ")
		if kwAccount := p.retriever.ChooseAccount(kwText); kwAccount != "" {
			if t, a, ok := expenseFromKeywordAccount(kwAccount); ok {
				expenseType = t
				decision.Account = a
				if confidence < hardThresholdScore {
					confidence = hardThresholdScore
				}
			}
		}
	}

	if forceTravel || rec.ServiceType == "交通" {
		expenseType = "差旅费"
	}

	// Shared retrieval hits feed all three narrative blocks.
	query := strings.TrimSpace(strings.Join([]string{
		expenseType, req.UserNote, rec.SellerName, rec.InvoiceType,
		"报销 审批 依据 风险 会计科目 验真 有效期",
	}, " "))
	hits := p.retriever.Search(query, 5)
	hitContexts := contextsFromHits(hits)
	sharedSources := sourcesFromHits(hits)

	// Keyword-map candidates for transparency in the report.
	kwBlob := strings.Join([]string{rec.ServiceType, rec.Remark, rec.InvoiceType, rec.SellerName, rec.BuyerName}, " ")
	kwCandidates := p.retriever.ScoreAccounts(kwBlob, 3)

	mappedAccount := p.retriever.ChooseAccount(strings.Join(append(append([]string{}, bag.Goods...), req.UserNote, rec.Remark), " "))
	if mappedAccount == "" && len(kwCandidates) > 0 && kwCandidates[0].Score >= hardThresholdScore {
		mappedAccount = kwCandidates[0].Account
	}

	accounting := p.accountingBlock(ctx, rec, expenseType, flags, decision, mappedAccount, hitContexts, sharedSources)
	riskBlock := p.riskBlock(ctx, rec, flags, hitContexts, sharedSources)
	approval := p.approvalBlock(ctx, rec, expenseType, flags, req.UserNote, verification, hitContexts, sharedSources)

	sanitizeBlocks(rec.NowDate, &accounting, &riskBlock, &approval)

	return &models.Report{
		InvoiceInfo:              rec,
		ExpenseType:              expenseType,
		Accounting:               accounting,
		Risk:                     riskBlock,
		Approval:                 approval,
		Verification:             verification,
		KeywordAccountCandidates: kwCandidates,
		PolicyWarnings:           p.checker.PolicyWarnings(rec),
		ProcessedTime:            p.now().Format("2006-01-02 15:04:05"),
	}
}

// ---------------------------------------------------------------------
// Verification routing
// ---------------------------------------------------------------------

// verifyOnce recovers the five elements from QR/OCR text and the record,
// then routes: full five elements verify strictly; number+date+amount
// verify with the check-code requirement relaxed; anything less fails
// with a structured message.
func (p *Processor) verifyOnce(ctx context.Context, rec *models.InvoiceRecord) models.Verification {
	ocrText := strings.Join([]string{
		rec.RawText, rec.Remark, rec.InvoiceType, rec.SellerName, rec.BuyerName,
	}, " ")
	parsed := qr.Parse(rec.QRText, ocrText)

	fpdm := firstNonEmpty(parsed.FPDM, rec.InvoiceCode)
	fphm := firstNonEmpty(parsed.FPHM, rec.InvoiceNumber)
	kprq := firstNonEmpty(parsed.KPRQ, rec.InvoiceDate)
	if kprq != "" {
		kprq = qr.NormDate8(kprq)
	}
	jym := firstNonEmpty(parsed.JYM, rec.CheckCode)

	if parsed.Inferred && jym != "" {
		rec.CheckCode = jym
		rec.CheckCodeFrom = "号码后6(数电票兜底)"
	}
	if fpdm == "" {
		blob := strings.Join([]string{rec.RawText, rec.Remark, rec.InvoiceType, rec.SellerName, rec.BuyerName}, "\n")
		if guess, how := qr.GuessInvoiceCode(blob); guess != "" {
			fpdm = guess
			rec.InvoiceCode = guess
			rec.InvoiceCodeFrom = fmt.Sprintf("推断(%s)", how)
		}
	}

	jeExcl := strings.TrimSpace(rec.TotalAmount)
	jeWith := strings.TrimSpace(rec.AmountInFigures)
	if jeWith == "" && jeExcl != "" {
		excl := parseAmount(rec.TotalAmount)
		tax := parseAmount(rec.TotalTax)
		if !excl.IsZero() || !tax.IsZero() {
			jeWith = excl.Add(tax).StringFixed(2)
		}
	}

	el := verify.Elements{
		FPDM: fpdm, FPHM: fphm, KPRQ: kprq,
		NoTaxAmount: jeExcl, JSHJ: jeWith, CheckCode: jym,
	}

	hasMin := fphm != "" && kprq != "" && (jeExcl != "" || jeWith != "")
	switch {
	case fpdm != "" && hasMin && jym != "":
		return p.verifier.Verify(ctx, el, false)
	case hasMin:
		return p.verifier.Verify(ctx, el, true)
	}

	var miss []string
	if fphm == "" {
		miss = append(miss, "发票号码")
	}
	if kprq == "" {
		miss = append(miss, "开票日期")
	}
	if jeExcl == "" && jeWith == "" {
		miss = append(miss, "金额")
	}
	if len(miss) > 0 {
		return models.Verification{
			Message: fmt.Sprintf("验真要素不足：缺少 %s。请上传原始 PDF/OFD 或清晰票面（含二维码）。", strings.Join(miss, ",")),
		}
	}
	return models.Verification{Message: "验真要素不足。"}
}

// ---------------------------------------------------------------------
// Narrative blocks
// ---------------------------------------------------------------------

func (p *Processor) accountingBlock(ctx context.Context, rec *models.InvoiceRecord, expenseType string,
	flags signal.Flags, decision classify.Decision, mappedAccount string,
	hitContexts []risk.Context, sharedSources []models.Reference) models.AccountingAnalysis {

	contexts := docContexts(p.retriever.AccountingTexts(),
		"会计科目口径手册_rag版.md", "accounting_rules.txt", "公司报销规则.txt", "公司报销制度.md")

	// A second, hint-enriched retrieval pass widens the excerpts.
	qhint := strings.Join(dropEmpty([]string{
		rec.ServiceType, rec.ServiceTypeDetail, rec.Remark, rec.SellerName,
		"差旅 交通 审批阈值 报销时限 证据链 发票要素 合规",
	}), " ")
	contexts = append(contexts, contextsFromHits(p.retriever.Search(qhint, 8))...)
	contexts = append(contexts, hitContexts...)

	acc := p.narrator.GenerateAccounting(ctx, rec, expenseType, contexts)

	if acc.AccountSubject == "" || acc.AccountSubject == rules.Unknown {
		acc.AccountSubject = firstNonEmpty(mappedAccount, decision.Account, rules.Unknown)
	}
	classify.EnforceSubject(expenseType, flags, &acc)

	acc.SourcesUsed = refs.Merge(acc.SourcesUsed, append(sharedSources, risk.SourcesFromContexts(contexts)...))
	return acc
}

func (p *Processor) riskBlock(ctx context.Context, rec *models.InvoiceRecord, flags signal.Flags,
	hitContexts []risk.Context, sharedSources []models.Reference) models.RiskAnalysis {

	contexts := docContexts(p.retriever.VerificationTexts(), "发票验真要点_rag版.md", "verification_points.txt")
	if days := p.retriever.VerificationWindowDays(); days > 0 {
		contexts = append(contexts, risk.Context{
			Source:  "结构化规则-验真有效期",
			Content: fmt.Sprintf("发票有效期（验真指导）约 %d 天", days),
		})
	}
	if rec.NowDate != "" {
		contexts = append(contexts, risk.Context{
			Source:  "系统当前时间",
			Content: fmt.Sprintf("今天是 %s（调用方提供）。", rec.NowDate),
		})
	}
	contexts = append(contexts, hitContexts...)

	rk := p.narrator.GenerateRisk(ctx, rec, flags, contexts)
	rk.SourcesUsed = refs.Merge(rk.SourcesUsed, append(sharedSources, risk.SourcesFromContexts(contexts)...))
	if len(rk.Basis) == 0 {
		rk.Basis = risk.BasisFallback(rk.SourcesUsed)
	}

	for _, hard := range p.checker.HardChecks(rec) {
		if !containsString(rk.RiskPoints, hard) {
			rk.RiskPoints = append(rk.RiskPoints, hard)
		}
	}
	p.checker.AlignEvidence(rec, &rk)
	rk.RiskPoints = risk.DedupRiskPoints(rk.RiskPoints)
	rk.SourcesUsed = refs.Merge(rk.SourcesUsed, nil)
	return rk
}

func (p *Processor) approvalBlock(ctx context.Context, rec *models.InvoiceRecord, expenseType string,
	flags signal.Flags, userNote string, verification models.Verification,
	hitContexts []risk.Context, sharedSources []models.Reference) models.ApprovalAnalysis {

	match := p.retriever.ApprovalFor(rec)

	contexts := docContexts(p.retriever.ApprovalTexts(), "approval_process.txt", "公司报销制度.md")
	contexts = append(contexts, risk.Context{
		Source:  "结构化规则-审批阈值",
		Content: jsonDump(match),
	})
	if rec.NowDate != "" {
		contexts = append(contexts, risk.Context{
			Source:  "系统当前时间",
			Content: fmt.Sprintf("今天是 %s（调用方提供）。", rec.NowDate),
		})
	}

	cat := signal.InferCategory(signal.Collect(rec, nil, userNote))
	contexts = append(contexts, risk.Context{
		Source: "结构化-调用侧上下文汇总",
		Content: jsonDump(map[string]any{
			"context_summary": map[string]any{
				"detected_category":  cat.Name,
				"keyword_hits":       cat.Hits,
				"suggested_evidence": cat.EvidenceRequired,
			},
			"user_input": userNote,
			"verify_result_brief": map[string]any{
				"is_valid":       verification.IsValid,
				"verify_message": verification.Message,
			},
			"now_date": rec.NowDate,
		}),
	})
	contexts = append(contexts, hitContexts...)

	ap := p.narrator.GenerateApproval(ctx, rec, expenseType, flags, contexts)
	ap.SourcesUsed = refs.Merge(ap.SourcesUsed, append(sharedSources, risk.SourcesFromContexts(contexts)...))
	if len(ap.Basis) == 0 {
		ap.Basis = risk.BasisFallback(ap.SourcesUsed)
	}

	if match.Matched != nil {
		ap.ApprovalNotes = append(ap.ApprovalNotes, thresholdNote("制度阈值", match))
	}
	if len(ap.ApprovalNotes) == 0 && match.Matched != nil {
		ap.ApprovalNotes = []string{thresholdNote("结构化阈值", match)}
	}
	return ap
}

func thresholdNote(label string, match kb.ApprovalMatch) string {
	maxStr := "∞"
	if match.Matched.Max != nil {
		maxStr = trimFloat(*match.Matched.Max)
	}
	return fmt.Sprintf("【%s】类别=%s 金额区间=%s~%s元，审批链：%s",
		label, match.Category, trimFloat(match.Matched.Min), maxStr, match.Matched.Approvers)
}

// ---------------------------------------------------------------------
// Degraded path
// ---------------------------------------------------------------------

// degradedReport is the fixed report emitted when OCR failed outright:
// nothing downstream can run without the invoice elements.
func (p *Processor) degradedReport(rec *models.InvoiceRecord) *models.Report {
	log.Printf("OCR failed for %s: %s", rec.Filename, rec.OCRError)
	return &models.Report{
		InvoiceInfo: rec,
		ExpenseType: rules.Unknown,
		Accounting: models.AccountingAnalysis{
			AccountSubject: rules.Unknown,
			Basis:          []string{"因OCR限流/失败，未能获得必要要素；停止后续判定以避免误判。"},
			Suggestions:    []string{"更换时间/秘钥重试", "上传更清晰的PDF/OFD原件"},
		},
		Risk: models.RiskAnalysis{
			RiskLevel:  "高",
			RiskPoints: []string{"OCR接口限流/失败，关键要素缺失导致无法验真"},
			Basis:      []string{"系统日志返回 OCR 错误提示"},
		},
		Approval: models.ApprovalAnalysis{
			ApprovalNotes: []string{"发票要素缺失，请补充或改日重传"},
			Suggestions:   []string{"改用备用OCR/手动录入关键字段后再提交"},
		},
		Verification: models.Verification{
			Message: fmt.Sprintf("OCR失败：%s；无法提取发票要素（号码/日期/金额）。", rec.OCRError),
		},
		PolicyWarnings: p.checker.PolicyWarnings(rec),
		ProcessedTime:  p.now().Format("2006-01-02 15:04:05"),
	}
}

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

// normalizeAmounts mutually derives the three amount fields: fill the
// tax-inclusive total from exclusive+tax, and the tax from the
// difference.
func normalizeAmounts(rec *models.InvoiceRecord) {
	excl := parseAmount(rec.TotalAmount)
	tax := parseAmount(rec.TotalTax)
	incl := parseAmount(rec.AmountInFigures)

	if incl.IsZero() && (!excl.IsZero() || !tax.IsZero()) {
		rec.AmountInFigures = excl.Add(tax).Round(2).String()
	}
	if tax.IsZero() && !incl.IsZero() && !excl.IsZero() {
		rec.TotalTax = incl.Sub(excl).Round(2).String()
	}
}

// fillIfEmpty writes src into *dst only when *dst is blank and src is
// not: verified values never overwrite what OCR already extracted.
func fillIfEmpty(dst *string, src string) {
	if strings.TrimSpace(*dst) == "" && strings.TrimSpace(src) != "" {
		*dst = src
	}
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// enrichEvidence fills derived date/amount clues from filenames when the
// caller did not supply them.
func enrichEvidence(evidence []models.EvidenceFile) []models.EvidenceFile {
	out := make([]models.EvidenceFile, len(evidence))
	for i, e := range evidence {
		if e.Type == "" {
			e.Type = "佐证材料"
		}
		if e.DerivedDate == "" || e.DerivedAmount == "" {
			d, a := risk.ParseEvidenceMeta(e.Filename)
			if e.DerivedDate == "" {
				e.DerivedDate = d
			}
			if e.DerivedAmount == "" {
				e.DerivedAmount = a
			}
		}
		out[i] = e
	}
	return out
}

// expenseFromKeywordAccount maps a keyword-map account back to the
// expense family.
func expenseFromKeywordAccount(account string) (string, string, bool) {
	switch {
	case strings.Contains(account, "差旅"):
		if strings.Contains(account, "住宿") {
			return "差旅费-住宿", "6603-差旅费", true
		}
		return "差旅费", "6603-差旅费", true
	case strings.Contains(account, "办公费"):
		return "办公费", "6601-办公费", true
	case strings.Contains(account, "业务招待"):
		return "业务招待费", "6602-业务招待费", true
	case strings.Contains(account, "会议费"):
		return "会议费", "6604-会议费", true
	case strings.Contains(account, "培训费"):
		return "培训费", "6605-培训费", true
	case strings.Contains(account, "通讯费"):
		return "通讯费", "6608-通讯费", true
	}
	return "", "", false
}

func contextsFromHits(hits []kb.Hit) []risk.Context {
	out := make([]risk.Context, 0, len(hits))
	for _, h := range hits {
		score := h.Score
		out = append(out, risk.Context{Source: h.Title, Content: h.Content, Score: &score})
	}
	return out
}

func sourcesFromHits(hits []kb.Hit) []models.Reference {
	items := make([]any, 0, len(hits))
	for _, h := range hits {
		items = append(items, map[string]any{"title": h.Title, "url": h.URL, "score": round4(h.Score)})
	}
	return refs.Normalize(items)
}

func docContexts(docs map[string]string, order ...string) []risk.Context {
	var out []risk.Context
	for _, name := range order {
		if text, ok := docs[name]; ok {
			out = append(out, risk.Context{Source: name, Content: text})
		}
	}
	return out
}

// sanitizeBlocks strips field-name hints and pins date claims in every
// narrative text.
func sanitizeBlocks(nowDate string, acc *models.AccountingAnalysis, rk *models.RiskAnalysis, ap *models.ApprovalAnalysis) {
	clean := func(list []string) []string {
		return risk.EnforceNowDateAll(risk.StripFieldHintsAll(list), nowDate)
	}
	acc.Basis = clean(acc.Basis)
	acc.Suggestions = clean(acc.Suggestions)
	rk.RiskPoints = clean(rk.RiskPoints)
	rk.Basis = clean(rk.Basis)
	ap.ApprovalNotes = clean(ap.ApprovalNotes)
	ap.Basis = clean(ap.Basis)
	ap.Suggestions = clean(ap.Suggestions)
}

func jsonDump(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func trimFloat(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func round4(f float64) float64 {
	v, _ := decimal.NewFromFloat(f).Round(4).Float64()
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func dropEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
