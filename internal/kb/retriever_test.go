package kb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"公司报销规则.txt": `公司报销规则表
rule_key category param value desc
travel_hotel_cap travel max_per_night 500 一线城市住宿上限每晚500元
office_single_cap office max_single 2000 办公用品单笔上限2000元
`,
		"公司报销制度.md": `# 公司报销制度
报销时限：费用发生后6个月（180天）内报销，逾期不予受理。
差旅费需提供出差审批单。
`,
		"approval_process.txt": `1. 差旅费审批流程：
金额在1000元以下：部门经理审批
金额在1000-5000元：部门经理、财务经理审批
金额在5000元以上：部门经理、财务经理、总经理审批
报销时限提示：超过3个月的费用原则上不予报销。
2. 办公费审批流程：
金额在2000元以下：部门经理审批
金额在2000元以上：部门经理、财务经理审批
`,
		"verification_points.txt": `发票验真要点
发票查验有效期（一般为开票后 3 个月，以税局口径为准）。
查验要素：发票代码、号码、开票日期、金额、校验码。
`,
		"发票关键词-会计科目map表.txt": `keyword account weight note
住宿 6603-差旅费-住宿 1.0 酒店住宿
酒店 6603-差旅费-住宿 0.9 酒店场景
打车 6603-差旅费-市内交通 1.0 网约车
复印纸 6601-办公费 0.9 办公耗材
`,
		"会计科目口径手册_rag版.md": "住宿类支出计入6603差旅费。办公耗材计入6601办公费。",
		"accounting_rules.txt":  "会计科目口径：差旅住宿归差旅费。",
		"发票验真要点_rag版.md":       "验真需五要素齐全，数电票可用号码后六位作校验码。",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func newTestRetriever(t *testing.T) *Retriever {
	t.Helper()
	r, err := NewRetriever(writeCorpus(t), "http://kb.example.com/docs")
	require.NoError(t, err)
	return r
}

func TestNewRetrieverEmptyDir(t *testing.T) {
	_, err := NewRetriever(t.TempDir(), "")
	assert.Error(t, err)
}

func TestSearchRanksRelevantDoc(t *testing.T) {
	r := newTestRetriever(t)

	hits := r.Search("发票验真 校验码 有效期", 3)

	require.NotEmpty(t, hits)
	assert.Contains(t, []string{"verification_points.txt", "发票验真要点_rag版.md"}, hits[0].Doc)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.NotEmpty(t, hits[0].Content)
	assert.Contains(t, hits[0].URL, "http://kb.example.com/docs/")
}

func TestSearchUnknownQuery(t *testing.T) {
	r := newTestRetriever(t)

	assert.Empty(t, r.Search("zzzz9999qqqq", 3))
}

func TestPoliciesExtracted(t *testing.T) {
	r := newTestRetriever(t)

	var keys []string
	for _, p := range r.Policies() {
		keys = append(keys, p.RuleKey)
	}

	assert.Contains(t, keys, "travel_hotel_cap")
	assert.Contains(t, keys, "office_single_cap")
	assert.Contains(t, keys, "period_limit_policy")
	assert.Contains(t, keys, "over_3m_hint")
}

func TestVerificationWindow(t *testing.T) {
	r := newTestRetriever(t)

	assert.Equal(t, 90, r.VerificationWindowDays())
}

func TestApprovalForTravelBands(t *testing.T) {
	r := newTestRetriever(t)

	m := r.ApprovalFor(&models.InvoiceRecord{
		ServiceType:     "住宿服务",
		AmountInFigures: "1200.00",
	})

	assert.Equal(t, "travel", m.Category)
	require.NotNil(t, m.Matched)
	assert.Equal(t, 1000.0, m.Matched.Min)
	require.NotNil(t, m.Matched.Max)
	assert.Equal(t, 5000.0, *m.Matched.Max)
	assert.Equal(t, "部门经理、财务经理审批", m.Matched.Approvers)
}

func TestApprovalForOpenEndedBand(t *testing.T) {
	r := newTestRetriever(t)

	m := r.ApprovalFor(&models.InvoiceRecord{
		Remark:          "差旅报销",
		AmountInFigures: "9000",
	})

	require.NotNil(t, m.Matched)
	assert.Nil(t, m.Matched.Max)
	assert.Equal(t, 5000.0, m.Matched.Min)
}

func TestApprovalForDefaultsToOffice(t *testing.T) {
	r := newTestRetriever(t)

	m := r.ApprovalFor(&models.InvoiceRecord{AmountInFigures: "100"})

	assert.Equal(t, "office", m.Category)
	require.NotNil(t, m.Matched)
}

func TestScoreAccounts(t *testing.T) {
	r := newTestRetriever(t)

	out := r.ScoreAccounts("酒店住宿 复印纸", 3)

	require.Len(t, out, 2)
	assert.Equal(t, "6603-差旅费-住宿", out[0].Account)
	assert.InDelta(t, 1.9, out[0].Score, 1e-9)
	assert.ElementsMatch(t, []string{"住宿", "酒店"}, out[0].Matched)
	assert.Equal(t, "6601-办公费", out[1].Account)
}

func TestChooseAccount(t *testing.T) {
	r := newTestRetriever(t)

	assert.Equal(t, "6603-差旅费-住宿", r.ChooseAccount("如家酒店住宿费"))
	assert.Equal(t, "6601-办公费", r.ChooseAccount("采购复印纸一箱"))
	assert.Empty(t, r.ChooseAccount("无关内容"))
}

func TestShippedCorpusLoads(t *testing.T) {
	r, err := NewRetriever(filepath.Join("..", "..", "knowledge_base"), "")
	require.NoError(t, err)

	assert.Len(t, r.DocNames(), 8)
	assert.Equal(t, 90, r.VerificationWindowDays())
	assert.Equal(t, "6603-差旅费-住宿", r.ChooseAccount("如家酒店住宿"))

	m := r.ApprovalFor(&models.InvoiceRecord{ServiceType: "住宿服务", AmountInFigures: "1200"})
	assert.Equal(t, "travel", m.Category)
	require.NotNil(t, m.Matched)
	assert.Equal(t, "部门经理、财务经理审批", m.Matched.Approvers)

	var keys []string
	for _, p := range r.Policies() {
		keys = append(keys, p.RuleKey)
	}
	assert.Contains(t, keys, "travel_hotel_cap")
	assert.Contains(t, keys, "period_limit_policy")
	assert.Contains(t, keys, "over_3m_hint")
}

func TestDocPickers(t *testing.T) {
	r := newTestRetriever(t)

	assert.Len(t, r.AccountingTexts(), 4)
	assert.Len(t, r.VerificationTexts(), 2)
	assert.Len(t, r.ApprovalTexts(), 2)
	assert.Len(t, r.DocNames(), 8)
}
