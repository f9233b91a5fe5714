// Package kb is the local-first knowledge retriever. It loads *.txt and
// *.md documents from a directory, builds a TF-IDF index for citation
// search, and parses the structured policy documents: company rule
// table, approval thresholds per expense category, the verification
// window guidance, and the keyword-to-account weight map.
package kb

import (
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// Hit is one retrieved citation context.
type Hit struct {
	Doc     string  `json:"doc"`
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Policy is one structured rule extracted from the policy documents.
type Policy struct {
	Source   string `json:"source"`
	RuleKey  string `json:"rule_key"`
	Category string `json:"category"`
	Param    string `json:"param"`
	Value    string `json:"value"`
	Desc     string `json:"desc"`
}

// Threshold is one amount band in an approval chain. Max nil means
// open-ended.
type Threshold struct {
	Min       float64  `json:"min"`
	Max       *float64 `json:"max"`
	Approvers string   `json:"approvers"`
}

// ApprovalMatch is the approval chain resolved for one invoice.
type ApprovalMatch struct {
	Category string      `json:"category"`
	Rules    []Threshold `json:"rules"`
	Matched  *Threshold  `json:"matched"`
}

type keywordRule struct {
	Keyword string
	Account string
	Weight  float64
	Note    string
}

// Retriever indexes the local corpus and exposes the structured rules.
type Retriever struct {
	base       string
	publicBase string

	docs  map[string]string
	names []string

	idf     map[string]float64
	vectors []map[string]float64

	policies                 []Policy
	approvalThresholds       map[string][]Threshold
	verificationWindowDays   int
	keywordMap               []keywordRule
}

// Well-known corpus document names.
const (
	docRulesTable     = "公司报销规则.txt"
	docSystem         = "公司报销制度.md"
	docApproval       = "approval_process.txt"
	docVerifyPoints   = "verification_points.txt"
	docKeywordMap     = "发票关键词-会计科目map表.txt"
	docAccountManual  = "会计科目口径手册_rag版.md"
	docAccountRules   = "accounting_rules.txt"
	docVerifyManual   = "发票验真要点_rag版.md"
)

// NewRetriever loads the corpus and builds the index and structured
// rules. An empty or missing directory is an error: the audit pipeline
// cannot cite anything without a corpus.
func NewRetriever(path, publicBase string) (*Retriever, error) {
	r := &Retriever{
		base:               path,
		publicBase:         strings.TrimRight(publicBase, "/"),
		docs:               make(map[string]string),
		approvalThresholds: make(map[string][]Threshold),
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".txt") && !strings.HasSuffix(name, ".md")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			log.Printf("Warning: failed to read %s: %v", name, err)
			continue
		}
		r.docs[name] = string(data)
		r.names = append(r.names, name)
	}
	if len(r.docs) == 0 {
		return nil, fmt.Errorf("knowledge base %s has no .txt/.md documents", path)
	}
	sort.Strings(r.names)

	r.buildIndex()
	r.extractPoliciesFromRulesTable()
	r.extractPoliciesFromSystemDoc()
	r.extractThresholdsFromApproval()
	r.extractVerifyWindow()
	r.loadKeywordMap()

	log.Printf("Knowledge base loaded: %d documents from %s", len(r.docs), path)
	return r, nil
}

// Doc returns a corpus document by name.
func (r *Retriever) Doc(name string) (string, bool) {
	d, ok := r.docs[name]
	return d, ok
}

// DocNames lists the loaded document names.
func (r *Retriever) DocNames() []string { return append([]string(nil), r.names...) }

// Policies returns the structured rules extracted from the corpus.
func (r *Retriever) Policies() []Policy { return append([]Policy(nil), r.policies...) }

// VerificationWindowDays returns the verification validity guidance in
// days, or 0 when the corpus does not state one.
func (r *Retriever) VerificationWindowDays() int { return r.verificationWindowDays }

// ---------------------------------------------------------------------
// Similarity search
// ---------------------------------------------------------------------

// tokenize splits text into ASCII word tokens and CJK character bigrams.
func tokenize(text string) []string {
	var tokens []string
	var ascii []rune
	var prevCJK rune

	flushASCII := func() {
		if len(ascii) > 0 {
			tokens = append(tokens, strings.ToLower(string(ascii)))
			ascii = ascii[:0]
		}
	}

	for _, c := range text {
		switch {
		case unicode.Is(unicode.Han, c):
			flushASCII()
			if prevCJK != 0 {
				tokens = append(tokens, string([]rune{prevCJK, c}))
			}
			tokens = append(tokens, string(c))
			prevCJK = c
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			prevCJK = 0
			ascii = append(ascii, c)
		default:
			prevCJK = 0
			flushASCII()
		}
	}
	flushASCII()
	return tokens
}

func (r *Retriever) buildIndex() {
	df := make(map[string]int)
	tfs := make([]map[string]float64, len(r.names))
	for i, name := range r.names {
		tf := make(map[string]float64)
		for _, tok := range tokenize(r.docs[name]) {
			tf[tok]++
		}
		for tok := range tf {
			df[tok]++
		}
		tfs[i] = tf
	}

	n := float64(len(r.names))
	r.idf = make(map[string]float64, len(df))
	for tok, d := range df {
		r.idf[tok] = math.Log(1+n/float64(1+d)) + 1
	}

	r.vectors = make([]map[string]float64, len(r.names))
	for i, tf := range tfs {
		vec := make(map[string]float64, len(tf))
		var norm float64
		for tok, f := range tf {
			w := f * r.idf[tok]
			vec[tok] = w
			norm += w * w
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for tok := range vec {
				vec[tok] /= norm
			}
		}
		r.vectors[i] = vec
	}
}

// Search returns the topK most similar documents with a snippet around
// the best query match.
func (r *Retriever) Search(query string, topK int) []Hit {
	if topK <= 0 {
		topK = 3
	}
	qtf := make(map[string]float64)
	for _, tok := range tokenize(query) {
		qtf[tok]++
	}
	qvec := make(map[string]float64, len(qtf))
	var qnorm float64
	for tok, f := range qtf {
		idf, ok := r.idf[tok]
		if !ok {
			continue
		}
		w := f * idf
		qvec[tok] = w
		qnorm += w * w
	}
	qnorm = math.Sqrt(qnorm)
	if qnorm == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(r.names))
	for i, name := range r.names {
		var sim float64
		for tok, qw := range qvec {
			sim += (qw / qnorm) * r.vectors[i][tok]
		}
		if sim <= 0 {
			continue
		}
		hits = append(hits, Hit{
			Doc:     name,
			Title:   strings.TrimSuffix(name, filepath.Ext(name)),
			URL:     r.docURL(name),
			Content: bestSnippet(r.docs[name], query),
			Score:   sim,
		})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (r *Retriever) docURL(name string) string {
	if r.publicBase == "" {
		return ""
	}
	return r.publicBase + "/" + url.PathEscape(name)
}

func bestSnippet(text, query string) string {
	const span = 240
	runes := []rune(text)
	qTokens := tokenize(query)

	pos := -1
	for _, tok := range qTokens {
		if i := strings.Index(strings.ToLower(text), tok); i >= 0 {
			pos = len([]rune(text[:i]))
			break
		}
	}
	if pos < 0 {
		if len(runes) > span {
			runes = runes[:span]
		}
		return strings.ReplaceAll(string(runes), "\n", " ")
	}
	left := pos - span/2
	if left < 0 {
		left = 0
	}
	right := pos + span/2
	if right > len(runes) {
		right = len(runes)
	}
	return strings.ReplaceAll(string(runes[left:right]), "\n", " ")
}

// ---------------------------------------------------------------------
// Structured rule extraction
// ---------------------------------------------------------------------

var wsSplitRe = regexp.MustCompile(`\s+`)

// extractPoliciesFromRulesTable parses the company rule table, a
// whitespace-separated file with header
// "rule_key category param value desc".
func (r *Retriever) extractPoliciesFromRulesTable() {
	txt, ok := r.docs[docRulesTable]
	if !ok {
		return
	}
	headerSeen := false
	for _, ln := range strings.Split(txt, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") || strings.HasPrefix(ln, "...") {
			continue
		}
		parts := wsSplitRe.Split(ln, 5)
		if !headerSeen {
			if len(parts) >= 5 && parts[0] == "rule_key" && parts[1] == "category" {
				headerSeen = true
			}
			continue
		}
		if len(parts) < 5 {
			continue
		}
		r.policies = append(r.policies, Policy{
			Source: docRulesTable, RuleKey: parts[0], Category: parts[1],
			Param: parts[2], Value: parts[3], Desc: parts[4],
		})
	}
}

var periodLimitRe = regexp.MustCompile(`6个月（?180天）?内|6个月内|180\s*天内`)

func (r *Retriever) extractPoliciesFromSystemDoc() {
	txt, ok := r.docs[docSystem]
	if !ok {
		return
	}
	if periodLimitRe.MatchString(txt) {
		r.policies = append(r.policies, Policy{
			Source: docSystem, RuleKey: "period_limit_policy",
			Category: "policy", Param: "max_days", Value: "180",
			Desc: "费用发生后6个月（180天）内报销",
		})
	}
}

var (
	bandRe      = regexp.MustCompile(`金额在(\d+)\s*-\s*(\d+)元：(.+)`)
	bandBelowRe = regexp.MustCompile(`金额在(\d+)元以下：(.+)`)
	bandAboveRe = regexp.MustCompile(`金额在(\d+)元以上：(.+)`)
	over3mRe    = regexp.MustCompile(`超过3个月.*不予报销`)
)

var approvalCategories = []struct {
	label string
	key   string
}{
	{"差旅费", "travel"},
	{"办公费", "office"},
	{"业务招待费", "entertain"},
	{"培训费", "training"},
}

func (r *Retriever) extractThresholdsFromApproval() {
	txt, ok := r.docs[docApproval]
	if !ok {
		return
	}
	for _, cat := range approvalCategories {
		segRe := regexp.MustCompile(`(?s)` + cat.label + `审批流程：(.*?)(?:\n\d\.\s|\z)`)
		m := segRe.FindStringSubmatch(txt)
		if m == nil {
			continue
		}
		var ths []Threshold
		for _, ln := range strings.Split(m[1], "\n") {
			ln = strings.TrimSpace(ln)
			if mm := bandRe.FindStringSubmatch(ln); mm != nil {
				lo, _ := strconv.ParseFloat(mm[1], 64)
				hi, _ := strconv.ParseFloat(mm[2], 64)
				ths = append(ths, Threshold{Min: lo, Max: &hi, Approvers: mm[3]})
			} else if mm := bandBelowRe.FindStringSubmatch(ln); mm != nil {
				hi, _ := strconv.ParseFloat(mm[1], 64)
				ths = append(ths, Threshold{Min: 0, Max: &hi, Approvers: mm[2]})
			} else if mm := bandAboveRe.FindStringSubmatch(ln); mm != nil {
				lo, _ := strconv.ParseFloat(mm[1], 64)
				ths = append(ths, Threshold{Min: lo, Max: nil, Approvers: mm[2]})
			}
		}
		if len(ths) > 0 {
			r.approvalThresholds[cat.key] = ths
		}
	}

	if over3mRe.MatchString(txt) {
		r.policies = append(r.policies, Policy{
			Source: docApproval, RuleKey: "over_3m_hint",
			Category: "policy", Param: "warn_days", Value: "90",
			Desc: "超过3个月原则上不予报销，需特批",
		})
	}
}

var (
	windowMonthsRe = regexp.MustCompile(`有效期.*（?一般为.*?(\d+)\s*个月.*）`)
	windowDaysRe   = regexp.MustCompile(`(\d+)\s*天\s*内.*有效`)
)

func (r *Retriever) extractVerifyWindow() {
	txt, ok := r.docs[docVerifyPoints]
	if !ok {
		return
	}
	if m := windowMonthsRe.FindStringSubmatch(txt); m != nil {
		months, _ := strconv.Atoi(m[1])
		r.verificationWindowDays = months * 30
	} else if m := windowDaysRe.FindStringSubmatch(txt); m != nil {
		days, _ := strconv.Atoi(m[1])
		r.verificationWindowDays = days
	}
}

// loadKeywordMap reads the keyword-to-account weight table:
// "keyword account weight note", whitespace separated.
func (r *Retriever) loadKeywordMap() {
	txt, ok := r.docs[docKeywordMap]
	if !ok {
		return
	}
	for i, ln := range strings.Split(txt, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		if i == 0 && strings.Contains(ln, "keyword") && strings.Contains(ln, "account") {
			continue
		}
		parts := wsSplitRe.Split(ln, 4)
		if len(parts) < 3 {
			continue
		}
		w, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			w = 0.5
		}
		row := keywordRule{Keyword: parts[0], Account: parts[1], Weight: w}
		if len(parts) == 4 {
			row.Note = parts[3]
		}
		r.keywordMap = append(r.keywordMap, row)
	}
}

// ---------------------------------------------------------------------
// Public rule APIs
// ---------------------------------------------------------------------

// ScoreAccounts scores account subjects against the text using the
// keyword weight map.
func (r *Retriever) ScoreAccounts(text string, topK int) []models.AccountCandidate {
	textL := strings.ToLower(text)
	scores := make(map[string]float64)
	matched := make(map[string][]string)
	for _, row := range r.keywordMap {
		kw := strings.ToLower(row.Keyword)
		if kw != "" && strings.Contains(textL, kw) {
			scores[row.Account] += row.Weight
			matched[row.Account] = append(matched[row.Account], kw)
		}
	}
	out := make([]models.AccountCandidate, 0, len(scores))
	for acc, sc := range scores {
		out = append(out, models.AccountCandidate{Account: acc, Score: sc, Matched: matched[acc]})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].Account < out[b].Account
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// ChooseAccount returns the account of the first keyword-map entry found
// in the text, or "".
func (r *Retriever) ChooseAccount(text string) string {
	for _, row := range r.keywordMap {
		if row.Keyword != "" && strings.Contains(text, row.Keyword) {
			return row.Account
		}
	}
	return ""
}

// ApprovalFor resolves the approval chain matching the invoice amount
// and expense hints.
func (r *Retriever) ApprovalFor(rec *models.InvoiceRecord) ApprovalMatch {
	amt := 0.0
	for _, s := range []string{rec.AmountInFigures, rec.TotalAmount} {
		if s == "" {
			continue
		}
		if v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64); err == nil {
			amt = v
			break
		}
	}

	hint := strings.ToLower(rec.ServiceType + " " + rec.Remark)
	cat := "office"
	switch {
	case strings.Contains(hint, "住") || strings.Contains(hint, "差旅") || strings.Contains(hint, "酒店"):
		cat = "travel"
	case strings.Contains(hint, "宴请") || strings.Contains(hint, "招待") || strings.Contains(hint, "餐饮"):
		cat = "entertain"
	}

	rules := r.approvalThresholds[cat]
	var matched *Threshold
	for i := range rules {
		rule := rules[i]
		if rule.Max == nil && amt >= rule.Min {
			matched = &rule
			break
		}
		if rule.Max != nil && amt >= rule.Min && amt <= *rule.Max {
			matched = &rule
			break
		}
	}
	return ApprovalMatch{Category: cat, Rules: rules, Matched: matched}
}

// AccountingTexts returns the documents relevant to account-subject
// analysis, keyed by name.
func (r *Retriever) AccountingTexts() map[string]string {
	return r.pick(docAccountManual, docAccountRules, docRulesTable, docSystem)
}

// VerificationTexts returns the documents relevant to authenticity risk
// analysis.
func (r *Retriever) VerificationTexts() map[string]string {
	return r.pick(docVerifyManual, docVerifyPoints)
}

// ApprovalTexts returns the documents relevant to approval-notes
// analysis.
func (r *Retriever) ApprovalTexts() map[string]string {
	return r.pick(docApproval, docSystem)
}

func (r *Retriever) pick(names ...string) map[string]string {
	out := make(map[string]string)
	for _, n := range names {
		if d, ok := r.docs[n]; ok {
			out[n] = d
		}
	}
	return out
}
