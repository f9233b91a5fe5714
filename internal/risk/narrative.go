package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/classify"
	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/refs"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

// Context is one knowledge snippet handed to the narrative prompts.
// Structural contexts (thresholds, current time) carry a nil score.
type Context struct {
	Source  string
	Content string
	Score   *float64
}

// maxContextChars caps the joined context block in the prompt.
const maxContextChars = 3500

// BuildContextBlock renders contexts into a readable prompt fragment.
func BuildContextBlock(contexts []Context) string {
	var lines []string
	for _, c := range contexts {
		name := strings.TrimSpace(c.Source)
		if name == "" {
			name = "未知来源"
		}
		text := strings.TrimSpace(c.Content)
		if text == "" {
			continue
		}
		if c.Score != nil {
			lines = append(lines, fmt.Sprintf("【%s | score=%.4f】\n%s", name, *c.Score, text))
		} else {
			lines = append(lines, fmt.Sprintf("【%s】\n%s", name, text))
		}
	}
	joined := strings.Join(lines, "\n\n")
	if r := []rune(joined); len(r) > maxContextChars {
		joined = string(r[:maxContextChars]) + "…"
	}
	if joined == "" {
		return "（无命中上下文）"
	}
	return joined
}

// SourceTitles lists the distinct context source names, capped.
func SourceTitles(contexts []Context) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range contexts {
		t := strings.TrimSpace(c.Source)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 20 {
			break
		}
	}
	return out
}

// SourcesFromContexts converts contexts into clean references.
func SourcesFromContexts(contexts []Context) []models.Reference {
	items := make([]any, 0, len(contexts))
	for _, c := range contexts {
		m := map[string]any{"title": c.Source}
		if c.Score != nil {
			m["score"] = *c.Score
		}
		items = append(items, m)
	}
	return refs.Normalize(items)
}

// BasisFallback renders citation lines from sources when a narrative
// block came back with no basis.
func BasisFallback(sources []models.Reference) []string {
	var out []string
	for _, s := range sources {
		if len(out) == 5 {
			break
		}
		title := s.Title
		if title == "" {
			title = "知识库片段"
		}
		if s.Score != nil {
			out = append(out, fmt.Sprintf("命中《%s》相似度 %.3f", title, *s.Score))
		} else {
			out = append(out, fmt.Sprintf("命中《%s》", title))
		}
	}
	return out
}

// Narrator generates the three report narrative blocks with an LLM.
// Every method degrades to a structured fallback instead of failing.
type Narrator struct {
	provider classify.Provider
}

// NewNarrator wraps a chat provider; nil is allowed and yields fallback
// output only.
func NewNarrator(provider classify.Provider) *Narrator {
	return &Narrator{provider: provider}
}

func (n *Narrator) chat(ctx context.Context, system, user string) (string, error) {
	if n.provider == nil {
		return "", fmt.Errorf("no AI provider configured")
	}
	return n.provider.Chat(ctx, []classify.Message{
		{Role: classify.RoleSystem, Content: system},
		{Role: classify.RoleUser, Content: user},
	})
}

func invoiceJSON(rec *models.InvoiceRecord) string {
	b, err := json.Marshal(rec)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nowLine(rec *models.InvoiceRecord) string {
	if rec.NowDate != "" {
		return "【系统当前日期】" + rec.NowDate
	}
	return "【系统当前日期】未知（禁止臆测）"
}

// ---------------------------------------------------------------------
// Accounting narrative
// ---------------------------------------------------------------------

const accountingSystemPrompt = "你是企业会计与费用合规分析助手。" +
	"【硬限制】会计科目必须从如下集合中选择：" +
	" 6601-办公费, 6602-业务招待费, 6603-差旅费, 6604-会议费, 6605-培训费, 6608-通讯费 或 UNKNOWN；严禁输出集合外的科目名称。\n" +
	"【判定优先级（从高到低）】\n" +
	" 1) 命中【住宿/酒店/宾馆/房费】→ 科目=6603-差旅费。\n" +
	" 2) 命中【网约车/出租车/打车/客运/交通/高铁/机票/地铁/公交/滴滴/高德打车/曹操】→ 科目=6603-差旅费。\n" +
	" 3) 仅在命中【办公用品/文具/耗材/复印纸/打印纸/硒鼓/墨盒/印刷/名片】时才可判为6601-办公费。\n" +
	" 4) 若仅见\"服务/服务费\"等泛词且无确证 → 返回 UNKNOWN（不得臆测）。\n" +
	"【一致性】当费用类型为\"差旅费\"时，严禁输出\"办公费\"等不相干科目。\n" +
	"【一致性约束】若 flags.has_lodging 为 true，则不得输出任何与'办公费'相关的科目或措辞。\n" +
	"【时间】只允许使用调用方提供的 now_date，不得虚构\"今天/距今X天\"。\n" +
	`输出严格 JSON：{ "account_subject":"…","basis":"…","suggestions":["…"],"sources_used":["文件名"] }`

// GenerateAccounting asks the model for the account-subject reasoning.
func (n *Narrator) GenerateAccounting(ctx context.Context, rec *models.InvoiceRecord, expenseType string, contexts []Context) models.AccountingAnalysis {
	user := fmt.Sprintf(
		"【当前日期】%s（由调用方传入）\n【发票要素】\n%s\n\n【费用类型猜测】%s\n\n【知识库片段】\n%s\n\n"+
			"任务：判断最合适的会计科目（到二级/三级），并给出依据与建议。"+
			"输出严格 JSON：{\n"+
			`  "account_subject": "…",`+"\n"+
			`  "basis": "…（可多段，直接在句中用《文件名》标注）",`+"\n"+
			`  "suggestions": ["…","…"],`+"\n"+
			`  "sources_used": ["文件名1","文件名2"]`+"\n}",
		orUnset(rec.NowDate), invoiceJSON(rec), expenseType, BuildContextBlock(contexts))

	out := models.AccountingAnalysis{}
	raw, err := n.chat(ctx, accountingSystemPrompt, user)
	if err != nil {
		out.Error = err.Error()
	} else if m := parseLoose(raw); m != nil {
		out.AccountSubject = looseString(m["account_subject"])
		out.Basis = looseList(m["basis"])
		out.Suggestions = looseList(m["suggestions"])
		out.SourcesUsed = refs.FromTitles(looseList(m["sources_used"]))
	} else {
		log.Printf("Warning: accounting narrative returned unparseable reply")
	}
	if len(out.SourcesUsed) == 0 {
		out.SourcesUsed = SourcesFromContexts(contexts)
	}
	return out
}

// ---------------------------------------------------------------------
// Risk narrative
// ---------------------------------------------------------------------

const riskSystemPrompt = "你是一名企业费用合规与发票风控分析助手。" +
	"【时间约束】不得推测/编造\"今天\"，一律用 now_date 与 invoice_date 计算。" +
	"【已知事实约束】若 flags.has_lodging 为 true，表示该单据已明确属于'住宿'场景；" +
	"在这种情况下严禁输出\"未明确体现住宿/出差相关\"之类否定语，应改为：" +
	"\"已明确为住宿服务，但缺少××证据/已超期/证据链不完整\"等。" +
	"输出只允许 JSON。"

// GenerateRisk asks the model for risk points, basis and a risk level.
func (n *Narrator) GenerateRisk(ctx context.Context, rec *models.InvoiceRecord, flags signal.Flags, contexts []Context) models.RiskAnalysis {
	flagsJSON, _ := json.Marshal(flags)
	user := fmt.Sprintf(
		"%s\n【发票要素】\n%s\n\n【flags】\n%s\n\n【知识库片段】\n%s\n\n"+
			"任务：列出主要风险点、依据、并给出风险等级（低/中/高）。"+
			"输出严格 JSON：{\n"+
			`  "risk_points": ["…","…"],`+"\n"+
			`  "basis": ["…（可多段，直接在句中用《文件名》标注）","…"],`+"\n"+
			`  "risk_level": "低|中|高",`+"\n"+
			`  "sources_used": ["文件名1","文件名2"]`+"\n}",
		nowLine(rec), invoiceJSON(rec), string(flagsJSON), BuildContextBlock(contexts))

	out := models.RiskAnalysis{RiskLevel: "中"}
	raw, err := n.chat(ctx, riskSystemPrompt, user)
	if err != nil {
		out.Error = err.Error()
	} else if m := parseLoose(raw); m != nil {
		out.RiskPoints = looseList(m["risk_points"])
		out.Basis = looseList(m["basis"])
		if lvl := looseString(m["risk_level"]); lvl != "" {
			out.RiskLevel = lvl
		}
		out.SourcesUsed = refs.FromTitles(looseList(m["sources_used"]))
	} else {
		log.Printf("Warning: risk narrative returned unparseable reply")
	}
	if len(out.SourcesUsed) == 0 {
		out.SourcesUsed = SourcesFromContexts(contexts)
	}
	return out
}

// ---------------------------------------------------------------------
// Approval narrative
// ---------------------------------------------------------------------

const approvalSystemPrompt = "你是费用报销的审核官。你将收到【发票要素】与【知识库摘录】。\n" +
	"【硬性要求】\n" +
	"1) 只允许依据【知识库摘录】生成'审批注意事项''相关建议''判断依据'，禁止编造未出现的制度条款。\n" +
	"2) 每一条 approval_notes / suggestions 末尾必须用括号标注来源文件名或小节，如：(公司报销制度.md §差旅费)。\n" +
	"3) basis 必须为一段话，且至少包含1处来源文件名。\n" +
	"4) 严禁返回空数组；若确实在摘录中找不到依据，请明确写出'未在知识库找到直接依据'并标注(无匹配来源)。\n" +
	"5) 【时间约束】只允许使用调用方传入的 now_date 与发票/验真日期进行描述；禁止出现'今天/昨日/本月/距今X天'等推测性措辞。\n" +
	"6) 输出必须是严格 JSON：{ \"approval_notes\":[...], \"basis\":\"...\", \"suggestions\":[...], \"sources_used\":[ \"...\", ... ] }。\n" +
	"7) 仅可引用【知识库摘录】中真实出现过的文件名；禁止虚构来源。\n" +
	"8) 若 flags.has_lodging 为 true，表示场景已明确为'住宿'，请避免使用否定语（如'未明确体现住宿'），改为'已明确为住宿，但缺失××证据'的表述。\n"

const approvalRetryHint = "\n【复核提醒】你上次输出存在'无引用/数组为空'问题。" +
	"请仅在【知识库摘录】中检索'差旅/交通/审批阈值/报销时限/证据链/发票要素'等关键词邻近段落，" +
	"每条注意事项/建议末尾标注来源文件名(如：公司报销制度.md)。严禁返回空数组，严禁使用未出现过的文件名。" +
	"时间描述一律基于 now_date 与票面/验真日期。"

// GenerateApproval generates approval notes strictly from the given
// knowledge excerpts. Replies without citations retry once; a still
// unusable reply yields explicit "no matching source" fallbacks.
func (n *Narrator) GenerateApproval(ctx context.Context, rec *models.InvoiceRecord, expenseType string, flags signal.Flags, contexts []Context) models.ApprovalAnalysis {
	titles := SourceTitles(contexts)
	flagsJSON, _ := json.Marshal(flags)

	var terms []string
	for _, kv := range []struct{ k, v string }{
		{"service_type", rec.ServiceType},
		{"service_type_detail", rec.ServiceTypeDetail},
		{"remark", rec.Remark},
		{"seller_name", rec.SellerName},
	} {
		if strings.TrimSpace(kv.v) != "" {
			terms = append(terms, kv.k+":"+kv.v)
		}
	}
	for _, g := range rec.Goods {
		if strings.TrimSpace(g.Name) != "" {
			terms = append(terms, "goods:"+g.Name)
		}
	}

	user := fmt.Sprintf(
		"%s\n【费用类型】%s\n【flags】%s\n\n【发票要素】\n%s\n\n【关键术语】%s\n\n【知识库摘录】\n%s\n\n只依据【知识库摘录】输出严格 JSON。",
		nowLine(rec), expenseType, string(flagsJSON), invoiceJSON(rec),
		strings.Join(terms, ", "), BuildContextBlock(contexts))

	callOnce := func(hint string) models.ApprovalAnalysis {
		out := models.ApprovalAnalysis{}
		raw, err := n.chat(ctx, approvalSystemPrompt+hint, user)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		m := parseLoose(raw)
		if m == nil {
			return out
		}
		out.ApprovalNotes = looseList(m["approval_notes"])
		out.Basis = looseList(m["basis"])
		out.Suggestions = looseList(m["suggestions"])
		out.SourcesUsed = refs.FromTitles(looseList(m["sources_used"]))
		return out
	}

	res := callOnce("")
	if !looksCited(res, titles) {
		res = callOnce(approvalRetryHint)
	}
	if !looksCited(res, titles) {
		if len(res.ApprovalNotes) == 0 {
			res.ApprovalNotes = []string{"未在知识库摘录中找到可直接适用的条款，请补充制度或材料。(无匹配来源)"}
		}
		if len(res.Suggestions) == 0 {
			res.Suggestions = []string{"请补充与本票据相关的制度条款或佐证材料后再提交审核。(无匹配来源)"}
		}
		if len(res.Basis) == 0 {
			res.Basis = []string{"当前检索片段不足以支持条款级判断，建议扩充知识库或优化检索（不臆造时间与规则）。"}
		}
	}
	if len(res.SourcesUsed) == 0 {
		cap8 := titles
		if len(cap8) > 8 {
			cap8 = cap8[:8]
		}
		res.SourcesUsed = refs.FromTitles(cap8)
	}
	return res
}

// looksCited verifies notes, suggestions and basis are non-empty and at
// least one line carries a source citation.
func looksCited(res models.ApprovalAnalysis, titles []string) bool {
	if len(res.ApprovalNotes) == 0 || len(res.Suggestions) == 0 || len(res.Basis) == 0 {
		return false
	}
	corpus := strings.Join(append(append(append([]string{}, res.ApprovalNotes...), res.Suggestions...), res.Basis...), " ")
	for _, t := range titles {
		if t != "" && strings.Contains(corpus, t) {
			return true
		}
	}
	if strings.Contains(corpus, ".md") {
		return true
	}
	if strings.Contains(corpus, "（") && strings.Contains(corpus, "）") {
		return true
	}
	if strings.Contains(corpus, "(") && strings.Contains(corpus, ")") {
		return true
	}
	if strings.Contains(corpus, "《") && strings.Contains(corpus, "》") {
		return true
	}
	return false
}

// ---------------------------------------------------------------------
// Loose JSON coercion for model replies
// ---------------------------------------------------------------------

func parseLoose(raw string) map[string]any {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func looseString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// looseList accepts a list, a plain string, or a bullet-separated block
// and returns clean lines.
func looseList(v any) []string {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, it := range s {
			if str, ok := it.(string); ok && strings.TrimSpace(str) != "" {
				out = append(out, strings.TrimSpace(str))
			}
		}
		return out
	case string:
		var out []string
		for _, ln := range strings.Split(s, "\n") {
			ln = strings.TrimSpace(strings.TrimLeft(ln, "•-·* "))
			if ln != "" {
				out = append(out, ln)
			}
		}
		return out
	default:
		return nil
	}
}

func orUnset(s string) string {
	if s == "" {
		return "（未提供）"
	}
	return s
}
