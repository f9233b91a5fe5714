package classify

import (
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/rules"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

// subjectSource is the corpus document that anchors the travel subject
// lock in the report citations.
const subjectSource = "发票关键词-会计科目map表"

// NormalizeSubject canonicalizes an account subject into the closed set.
// Family aliases ("差旅费", "管理费用-差旅费") reduce to the coded form;
// unknown subjects pass through unchanged.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" || s == rules.Unknown {
		return s
	}
	if inSet(s, rules.AccountSubjects) {
		return s
	}
	switch {
	case strings.Contains(s, "差旅"):
		return "6603-差旅费"
	case strings.Contains(s, "招待"):
		return "6602-业务招待费"
	case strings.Contains(s, "会议"):
		return "6604-会议费"
	case strings.Contains(s, "培训"):
		return "6605-培训费"
	case strings.Contains(s, "通讯") || strings.Contains(s, "通信"):
		return "6608-通讯费"
	case strings.Contains(s, "办公"):
		return "6601-办公费"
	}
	return s
}

// EnforceSubject locks the accounting subject to the travel account when
// the expense type or scenario flags prove a travel scene. Lodging and
// transport invoices never book to the office account.
func EnforceSubject(expenseType string, flags signal.Flags, acc *models.AccountingAnalysis) {
	if acc == nil {
		return
	}
	acc.AccountSubject = NormalizeSubject(acc.AccountSubject)

	travel := strings.Contains(expenseType, "差旅") || flags.HasLodging || flags.HasTaxi
	if !travel {
		return
	}

	if strings.Contains(acc.AccountSubject, "办公") || strings.Contains(acc.AccountSubject, "6601") {
		acc.Suggestions = append(acc.Suggestions,
			"住宿/交通类票据不应计入办公费，已按差旅口径修正会计科目。")
	}
	acc.AccountSubject = "6603-差旅费"

	basisLine := "命中差旅关键词，按口径归集为差旅费。"
	if !containsLine(acc.Basis, basisLine) {
		acc.Basis = append(acc.Basis, basisLine)
	}
	if !hasSource(acc.SourcesUsed, subjectSource) {
		acc.SourcesUsed = append(acc.SourcesUsed, models.Reference{Title: subjectSource})
	}
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func hasSource(refs []models.Reference, title string) bool {
	for _, r := range refs {
		if r.Title == title {
			return true
		}
	}
	return false
}
