package risk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

var (
	evDateRe   = regexp.MustCompile(`(20\d{2})[-_.年]?(0?[1-9]|1[0-2])[-_.月]?(0?[1-9]|[12]\d|3[01])日?`)
	evAmountRe = regexp.MustCompile(`(\d+(?:\.\d{1,2})?)[元块]`)
)

// ParseEvidenceMeta pulls date and amount clues out of an evidence
// filename, e.g. "行程单_2025-03-02_86.5元.png". Either clue may be
// empty.
func ParseEvidenceMeta(filename string) (date, amount string) {
	if m := evDateRe.FindStringSubmatch(filename); m != nil {
		date = m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3])
	}
	if m := evAmountRe.FindStringSubmatch(filename); m != nil {
		amount = m[1]
	}
	return date, amount
}

// AlignEvidence cross-checks evidence date and amount clues against the
// invoice and appends at most one risk point per mismatch kind. It also
// records which evidence types are present on the record.
func (c *Checker) AlignEvidence(rec *models.InvoiceRecord, risk *models.RiskAnalysis) {
	if len(rec.Evidence) == 0 {
		return
	}

	typeSet := make(map[string]struct{})
	for _, e := range rec.Evidence {
		if t := strings.TrimSpace(e.Type); t != "" {
			typeSet[t] = struct{}{}
		}
	}

	// Date clue vs issue date.
	if invDate, ok := ParseDateCN(rec.InvoiceDate); ok {
		for _, e := range rec.Evidence {
			evDate, ok := ParseDateCN(e.DerivedDate)
			if !ok {
				continue
			}
			delta := int(invDate.Sub(evDate).Hours() / 24)
			if delta < 0 {
				delta = -delta
			}
			if delta > c.cfg.EvidenceDateWindowDays {
				msg := fmt.Sprintf("佐证日期与发票日期相差 %d 天（>%d 天）", delta, c.cfg.EvidenceDateWindowDays)
				if !containsPoint(risk.RiskPoints, msg) {
					risk.RiskPoints = append(risk.RiskPoints, msg)
					risk.Basis = append(risk.Basis, "依据《verification_points.txt》验真有效期与《公司报销制度.md》超期报销提示")
					risk.SourcesUsed = append(risk.SourcesUsed,
						models.Reference{Title: "verification_points.txt"},
						models.Reference{Title: "公司报销制度.md"})
				}
				break
			}
		}
	}

	// Amount clue vs invoice amount; tax-inclusive total wins as the
	// reference.
	ref := amt(rec.AmountInFigures)
	if ref.IsZero() {
		ref = amt(rec.TotalAmount)
	}
	tol, err := decimal.NewFromString(c.cfg.EvidenceAmountTolerance)
	if err != nil {
		tol = decimal.NewFromFloat(0.05)
	}
	if !ref.IsZero() {
		for _, e := range rec.Evidence {
			if e.DerivedAmount == "" {
				continue
			}
			a, err := decimal.NewFromString(e.DerivedAmount)
			if err != nil {
				continue
			}
			if a.Sub(ref).Abs().GreaterThanOrEqual(tol) {
				msg := fmt.Sprintf("佐证金额线索（%s）与发票金额（%s）不一致", a.StringFixed(2), ref.StringFixed(2))
				if !containsPoint(risk.RiskPoints, msg) {
					risk.RiskPoints = append(risk.RiskPoints, msg)
					risk.Basis = append(risk.Basis, "金额一致性核验（内部控制）")
				}
				break
			}
		}
	}

	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)
	rec.EvidenceTypesPresent = types
}

var punctRe = regexp.MustCompile(`[。；;，,.\s]`)

// DedupRiskPoints removes duplicate risk points after stripping
// punctuation, collapsing all evidence-chain variants into one entry.
func DedupRiskPoints(points []string) []string {
	if len(points) == 0 {
		return points
	}
	var out []string
	seen := make(map[string]struct{})
	for _, p := range points {
		key := punctRe.ReplaceAllString(p, "")
		for _, k := range []string{"证据链", "证据不足", "佐证", "evidence"} {
			if strings.Contains(key, k) {
				key = "证据链不完整/佐证不足"
				break
			}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func containsPoint(points []string, want string) bool {
	for _, p := range points {
		if p == want {
			return true
		}
	}
	return false
}
