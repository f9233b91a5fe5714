package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

func newChecker() *Checker {
	return NewChecker(models.AuditConfig{})
}

func TestParseDateCN(t *testing.T) {
	cases := map[string]string{
		"2025-03-02":     "2025-03-02",
		"2025年3月2日":      "2025-03-02",
		"2025/03/02":     "2025-03-02",
		"20250302":       "2025-03-02",
		" 2025-3-2 ":     "2025-03-02",
	}
	for in, want := range cases {
		got, ok := ParseDateCN(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got.Format("2006-01-02"), in)
	}

	for _, in := range []string{"", "not a date", "2025-13-02"} {
		_, ok := ParseDateCN(in)
		assert.False(t, ok, in)
	}
}

func TestHardChecksAmountMismatch(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		TotalAmount:     "100.00",
		TotalTax:        "3.00",
		AmountInFigures: "104.00",
	}

	risks := newChecker().HardChecks(rec)

	assert.Contains(t, risks, "价税合计与不含税+税额不一致")
}

func TestHardChecksConsistentAmounts(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		TotalAmount:     "100.00",
		TotalTax:        "3.00",
		AmountInFigures: "103.00",
	}

	risks := newChecker().HardChecks(rec)

	assert.NotContains(t, risks, "价税合计与不含税+税额不一致")
}

func TestHardChecksMissingElements(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceType: "增值税电子普通发票",
	}

	risks := newChecker().HardChecks(rec)

	assert.Contains(t, risks, "发票号码缺失")
	assert.Contains(t, risks, "电子发票校验码缺失")
}

func TestHardChecksDateWindowsNeedCallerDate(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		InvoiceDate:     "2024-01-01",
		TotalAmount:     "100.00",
		AmountInFigures: "100.00",
	}

	// Without a caller-supplied current date no window risk may appear.
	risks := newChecker().HardChecks(rec)
	for _, r := range risks {
		assert.NotContains(t, r, "报销周期")
		assert.NotContains(t, r, "验真有效期")
	}
}

func TestHardChecksHardWindow(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		InvoiceDate:     "2025-01-01",
		NowDate:         "2025-08-01",
		TotalAmount:     "100.00",
		AmountInFigures: "100.00",
	}

	risks := newChecker().HardChecks(rec)

	assert.Contains(t, risks, "已超过公司报销周期 180 天（实际 212 天）")
}

func TestHardChecksSoftWindow(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceNumber:   "12345678",
		InvoiceDate:     "2025-01-01",
		NowDate:         "2025-05-01",
		TotalAmount:     "100.00",
		AmountInFigures: "100.00",
	}

	risks := newChecker().HardChecks(rec)

	assert.Contains(t, risks, "已超过验真有效期指导 90 天（实际 120 天），需补充说明或特批")
}

func TestPolicyWarnings(t *testing.T) {
	warnings := newChecker().PolicyWarnings(&models.InvoiceRecord{InvoiceDate: "2025-01-01"})

	assert.Contains(t, warnings, "发票信息不完整，缺少 invoice_number")
	assert.Contains(t, warnings, "发票信息不完整，缺少 total_amount")
	assert.NotContains(t, warnings, "发票信息不完整，缺少 invoice_date")
}
