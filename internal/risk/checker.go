// Package risk covers the deterministic side of the audit report: hard
// element checks, evidence cross-checks, risk-point dedup, text
// sanitation, and the LLM narrative generation for the three analysis
// blocks.
package risk

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// Checker runs the rule-based risk checks with configured windows.
type Checker struct {
	cfg models.AuditConfig
}

// NewChecker creates a checker; zero thresholds take defaults.
func NewChecker(cfg models.AuditConfig) *Checker {
	cfg.Defaults()
	return &Checker{cfg: cfg}
}

var digits8Re = regexp.MustCompile(`^\d{8}$`)

// ParseDateCN parses CN, slash, dashed and 8-digit date spellings.
func ParseDateCN(s string) (time.Time, bool) {
	s = strings.NewReplacer("/", "-", "年", "-", "月", "-", "日", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return time.Time{}, false
	}
	if digits8Re.MatchString(s) {
		s = s[:4] + "-" + s[4:6] + "-" + s[6:]
	}
	// Tolerate single-digit month/day.
	if p := strings.Split(s, "-"); len(p) == 3 {
		s = p[0] + "-" + pad2(p[1]) + "-" + pad2(p[2])
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// amt parses a money string to decimal, zero on failure.
func amt(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// HardChecks returns the rule-based risk points: amount reconciliation,
// missing elements, and date windows. Date-window checks only run when
// the record carries a caller-supplied current date; the checker never
// reads the wall clock.
func (c *Checker) HardChecks(rec *models.InvoiceRecord) []string {
	var risks []string

	excl := amt(rec.TotalAmount)
	tax := amt(rec.TotalTax)
	incl := amt(rec.AmountInFigures)
	if incl.IsZero() {
		incl = excl.Add(tax)
	}
	if !excl.Add(tax).Round(2).Equal(incl.Round(2)) {
		risks = append(risks, "价税合计与不含税+税额不一致")
	}

	if rec.InvoiceNumber == "" {
		risks = append(risks, "发票号码缺失")
	}
	if strings.Contains(rec.InvoiceType, "电子") && rec.CheckCode == "" {
		risks = append(risks, "电子发票校验码缺失")
	}

	invDate, ok := ParseDateCN(rec.InvoiceDate)
	if !ok {
		return risks
	}
	nowDate, ok := ParseDateCN(rec.NowDate)
	if !ok {
		return risks
	}
	days := int(nowDate.Sub(invDate).Hours() / 24)
	if days > c.cfg.HardWindowDays {
		risks = append(risks, fmt.Sprintf("已超过公司报销周期 %d 天（实际 %d 天）", c.cfg.HardWindowDays, days))
	} else if days > c.cfg.SoftWindowDays {
		risks = append(risks, fmt.Sprintf("已超过验真有效期指导 %d 天（实际 %d 天），需补充说明或特批", c.cfg.SoftWindowDays, days))
	}
	return risks
}

// PolicyWarnings flags incomplete core invoice elements.
func (c *Checker) PolicyWarnings(rec *models.InvoiceRecord) []string {
	var warnings []string
	for _, f := range []struct{ key, val string }{
		{"invoice_number", rec.InvoiceNumber},
		{"invoice_date", rec.InvoiceDate},
		{"total_amount", rec.TotalAmount},
	} {
		if f.val == "" {
			warnings = append(warnings, "发票信息不完整，缺少 "+f.key)
		}
	}
	return warnings
}
