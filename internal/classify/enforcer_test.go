package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, "6603-差旅费", NormalizeSubject("差旅费"))
	assert.Equal(t, "6603-差旅费", NormalizeSubject("管理费用-差旅费"))
	assert.Equal(t, "6601-办公费", NormalizeSubject("办公费"))
	assert.Equal(t, "6602-业务招待费", NormalizeSubject("业务招待"))
	assert.Equal(t, "6608-通讯费", NormalizeSubject("通信费"))
	// Already coded forms pass through.
	assert.Equal(t, "6604-会议费", NormalizeSubject("6604-会议费"))
	// Unmappable subjects stay as-is.
	assert.Equal(t, "其他杂项", NormalizeSubject("其他杂项"))
	assert.Equal(t, "UNKNOWN", NormalizeSubject("UNKNOWN"))
	assert.Equal(t, "", NormalizeSubject(""))
}

func TestEnforceSubjectCorrectsOfficeOnLodging(t *testing.T) {
	acc := &models.AccountingAnalysis{AccountSubject: "6601-办公费"}

	EnforceSubject("办公费", signal.Flags{HasLodging: true}, acc)

	assert.Equal(t, "6603-差旅费", acc.AccountSubject)
	assert.Contains(t, acc.Suggestions, "住宿/交通类票据不应计入办公费，已按差旅口径修正会计科目。")
	assert.Contains(t, acc.Basis, "命中差旅关键词，按口径归集为差旅费。")
	assert.Equal(t, subjectSource, acc.SourcesUsed[len(acc.SourcesUsed)-1].Title)
}

func TestEnforceSubjectLocksTravelExpenseType(t *testing.T) {
	acc := &models.AccountingAnalysis{AccountSubject: "6604-会议费"}

	EnforceSubject("差旅费", signal.Flags{}, acc)

	assert.Equal(t, "6603-差旅费", acc.AccountSubject)
	// No office correction suggestion when the wrong subject was not
	// the office account.
	assert.Empty(t, acc.Suggestions)
}

func TestEnforceSubjectLeavesNonTravelAlone(t *testing.T) {
	acc := &models.AccountingAnalysis{AccountSubject: "6601-办公费", Basis: []string{"办公用品明细"}}

	EnforceSubject("办公费", signal.Flags{}, acc)

	assert.Equal(t, "6601-办公费", acc.AccountSubject)
	assert.Equal(t, []string{"办公用品明细"}, acc.Basis)
	assert.Empty(t, acc.SourcesUsed)
}

func TestEnforceSubjectIdempotent(t *testing.T) {
	acc := &models.AccountingAnalysis{AccountSubject: "办公费"}

	EnforceSubject("差旅费", signal.Flags{HasTaxi: true}, acc)
	EnforceSubject("差旅费", signal.Flags{HasTaxi: true}, acc)

	count := 0
	for _, b := range acc.Basis {
		if b == "命中差旅关键词，按口径归集为差旅费。" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, acc.SourcesUsed, 1)
}
