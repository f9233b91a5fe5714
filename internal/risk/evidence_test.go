package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

func TestParseEvidenceMeta(t *testing.T) {
	date, amount := ParseEvidenceMeta("行程单_2025-03-02_86.5元.png")
	assert.Equal(t, "2025-03-02", date)
	assert.Equal(t, "86.5", amount)

	date, amount = ParseEvidenceMeta("入住凭证2025年3月2日.jpg")
	assert.Equal(t, "2025-03-02", date)
	assert.Empty(t, amount)

	date, amount = ParseEvidenceMeta("订单100块.png")
	assert.Empty(t, date)
	assert.Equal(t, "100", amount)

	date, amount = ParseEvidenceMeta("scan.pdf")
	assert.Empty(t, date)
	assert.Empty(t, amount)
}

func TestAlignEvidenceDateMismatch(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceDate: "2025-01-01",
		Evidence: []models.EvidenceFile{
			{Type: "佐证材料", Filename: "a", DerivedDate: "2025-06-01"},
		},
	}
	var rk models.RiskAnalysis

	newChecker().AlignEvidence(rec, &rk)

	require.Len(t, rk.RiskPoints, 1)
	assert.Contains(t, rk.RiskPoints[0], "佐证日期与发票日期相差 151 天（>90 天）")
	assert.Contains(t, rk.Basis[0], "verification_points.txt")
	assert.Equal(t, []string{"佐证材料"}, rec.EvidenceTypesPresent)
}

func TestAlignEvidenceDateWithinWindow(t *testing.T) {
	rec := &models.InvoiceRecord{
		InvoiceDate: "2025-01-01",
		Evidence: []models.EvidenceFile{
			{Type: "佐证材料", Filename: "a", DerivedDate: "2025-02-01"},
		},
	}
	var rk models.RiskAnalysis

	newChecker().AlignEvidence(rec, &rk)

	assert.Empty(t, rk.RiskPoints)
}

func TestAlignEvidenceAmountMismatch(t *testing.T) {
	rec := &models.InvoiceRecord{
		AmountInFigures: "103.00",
		Evidence: []models.EvidenceFile{
			{Type: "行程单", Filename: "a", DerivedAmount: "86.5"},
		},
	}
	var rk models.RiskAnalysis

	newChecker().AlignEvidence(rec, &rk)

	require.Len(t, rk.RiskPoints, 1)
	assert.Equal(t, "佐证金额线索（86.50）与发票金额（103.00）不一致", rk.RiskPoints[0])
	assert.Contains(t, rk.Basis, "金额一致性核验（内部控制）")
}

func TestAlignEvidenceAmountWithinTolerance(t *testing.T) {
	rec := &models.InvoiceRecord{
		AmountInFigures: "103.00",
		Evidence: []models.EvidenceFile{
			{Type: "行程单", Filename: "a", DerivedAmount: "103.04"},
		},
	}
	var rk models.RiskAnalysis

	newChecker().AlignEvidence(rec, &rk)

	assert.Empty(t, rk.RiskPoints)
}

func TestAlignEvidenceNoEvidence(t *testing.T) {
	rec := &models.InvoiceRecord{InvoiceDate: "2025-01-01"}
	var rk models.RiskAnalysis

	newChecker().AlignEvidence(rec, &rk)

	assert.Empty(t, rk.RiskPoints)
	assert.Empty(t, rec.EvidenceTypesPresent)
}

func TestDedupRiskPoints(t *testing.T) {
	points := []string{
		"发票号码缺失。",
		"发票号码缺失",
		"证据链不完整，建议补充行程单",
		"佐证不足，需补充材料",
		"电子发票校验码缺失",
	}

	out := DedupRiskPoints(points)

	// Punctuation-insensitive dedup plus one collapsed evidence bucket.
	assert.Equal(t, []string{
		"发票号码缺失。",
		"证据链不完整，建议补充行程单",
		"电子发票校验码缺失",
	}, out)
}
