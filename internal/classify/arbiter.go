package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/rules"
	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

// Decision is the final expense-type call for one invoice.
type Decision struct {
	ExpenseType string   `json:"expense_type"`
	Account     string   `json:"account_subject"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
}

// Arbiter combines the rule vote with an LLM pick. The rule score
// decides who wins: strong scores skip the model, medium scores override
// a disagreeing model, weak-but-present scores back up a model that
// answered UNKNOWN or with low confidence.
type Arbiter struct {
	provider Provider
	cfg      models.AuditConfig
}

// NewArbiter creates an arbiter. provider may be nil: the rule vote then
// decides alone.
func NewArbiter(provider Provider, cfg models.AuditConfig) *Arbiter {
	cfg.Defaults()
	return &Arbiter{provider: provider, cfg: cfg}
}

const systemPrompt = `你是企业费用报销的分类助手。根据发票要素判断费用类型和会计科目。

只能从以下闭集中选择：
- 费用类型：差旅费、办公费、业务招待费、培训费、通讯费、会议费；无法判断时输出 UNKNOWN。
- 会计科目：6601-办公费、6602-业务招待费、6603-差旅费、6604-会议费、6605-培训费、6608-通讯费；无法判断时输出 UNKNOWN。

判断优先级：
1. 住宿/酒店/宾馆类明细 → 差旅费（6603-差旅费）。
2. 打车/客运/火车/机票等交通明细 → 差旅费（6603-差旅费）。
3. 只有明确出现办公用品明细（文具、耗材、复印纸等）才归办公费。
4. 明细只有泛化的"服务"且无其他线索时，输出 UNKNOWN，不要猜测。

严格输出 JSON：{"expense_type": "...", "account_subject": "...", "confidence": 0.0, "evidence": ["..."]}`

type fewShot struct {
	user    string
	assist  string
}

var fewShots = []fewShot{
	{
		user:   `明细: 住宿服务; 备注: 出差入住; 销售方: 如家酒店管理有限公司`,
		assist: `{"expense_type": "差旅费", "account_subject": "6603-差旅费", "confidence": 0.95, "evidence": ["明细含住宿服务", "销售方为酒店"]}`,
	},
	{
		user:   `明细: 服务; 备注: ; 销售方: `,
		assist: `{"expense_type": "UNKNOWN", "account_subject": "UNKNOWN", "confidence": 0.3, "evidence": ["仅有泛化服务描述，无法判断"]}`,
	},
	{
		user:   `明细: 客运服务费; 备注: 市内打车; 销售方: 滴滴出行科技有限公司`,
		assist: `{"expense_type": "差旅费", "account_subject": "6603-差旅费", "confidence": 0.92, "evidence": ["客运/打车属于交通费用"]}`,
	},
	{
		user:   `明细: 复印纸 A4; 备注: 采购办公用品; 销售方: 某文化用品商行`,
		assist: `{"expense_type": "办公费", "account_subject": "6601-办公费", "confidence": 0.9, "evidence": ["明细为办公耗材"]}`,
	},
}

// Classify runs the full arbitration ladder. It never returns an error:
// a failed model call degrades to the rule vote or UNKNOWN.
func (a *Arbiter) Classify(ctx context.Context, bag signal.Bag, vote rules.Result) Decision {
	ruleHint := strings.Join(vote.Evidence, "、")

	// Strong rule match decides without the model.
	if vote.Score >= a.cfg.StrongRuleScore && vote.ExpenseType != rules.Unknown {
		return Decision{
			ExpenseType: vote.ExpenseType,
			Account:     vote.Account,
			Confidence:  minF(0.98, 0.8+vote.Score/10),
			Evidence:    []string{fmt.Sprintf("规则强匹配: %s (score=%.2f)", ruleHint, vote.Score)},
		}
	}

	dec := a.askModel(ctx, bag)

	// Weak or absent model answer: fall back to a usable rule vote.
	if (dec.ExpenseType == rules.Unknown || dec.Confidence < a.cfg.MinConfidence) &&
		vote.Score >= a.cfg.FallbackRuleScore && vote.ExpenseType != rules.Unknown {
		dec.ExpenseType = vote.ExpenseType
		dec.Account = vote.Account
		dec.Confidence = maxF(dec.Confidence, minF(0.9, 0.6+vote.Score/10))
		dec.Evidence = append(dec.Evidence, fmt.Sprintf("规则兜底: %s (score=%.2f)", ruleHint, vote.Score))
	}

	// A near-strong rule vote overrides a disagreeing model.
	if vote.Score >= a.cfg.OverrideRuleScore && vote.ExpenseType != rules.Unknown &&
		dec.ExpenseType != vote.ExpenseType {
		dec.ExpenseType = vote.ExpenseType
		dec.Account = vote.Account
		dec.Confidence = maxF(dec.Confidence, 0.9)
		dec.Evidence = append(dec.Evidence, fmt.Sprintf("规则覆盖LLM: %s (score=%.2f)", ruleHint, vote.Score))
	}

	dec.normalize()
	return dec
}

// askModel sends the signal bag to the provider and parses the reply.
// Any failure yields a zero decision so the rule ladder takes over.
func (a *Arbiter) askModel(ctx context.Context, bag signal.Bag) Decision {
	zero := Decision{ExpenseType: rules.Unknown, Account: rules.Unknown}
	if a.provider == nil {
		return zero
	}

	msgs := []Message{{Role: RoleSystem, Content: systemPrompt}}
	for _, fs := range fewShots {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: fs.user},
			Message{Role: RoleAssistant, Content: fs.assist})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: fmt.Sprintf(
		"明细: %s; 备注: %s; 销售方: %s; 用户说明: %s; 文件名: %s",
		strings.Join(append(bag.Goods, bag.ServiceTypeDetail), " "),
		bag.Remark, bag.Seller, bag.User, bag.File)})

	raw, err := a.provider.Chat(ctx, msgs)
	if err != nil {
		log.Printf("Warning: classifier call failed, falling back to rules: %v", err)
		return zero
	}

	var dec Decision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &dec); err != nil {
		log.Printf("Warning: classifier returned unparseable reply: %v", err)
		return zero
	}
	if dec.ExpenseType == "" {
		dec.ExpenseType = rules.Unknown
	}
	if dec.Account == "" {
		dec.Account = rules.Unknown
	}
	return dec
}

// normalize clamps the decision into the closed sets and back-fills the
// expense type from the account subject when only the subject is known.
func (d *Decision) normalize() {
	if d.ExpenseType != rules.Unknown && !inSet(d.ExpenseType, rules.ExpenseTypes) {
		// Composite rule labels like "差旅费-住宿" stay; anything outside
		// the closed families collapses to UNKNOWN.
		known := false
		for _, t := range rules.ExpenseTypes {
			if strings.Contains(d.ExpenseType, t) {
				known = true
				break
			}
		}
		if !known && d.ExpenseType != "管理费用-其他" {
			d.ExpenseType = rules.Unknown
		}
	}
	if d.Account != rules.Unknown && !inSet(d.Account, rules.AccountSubjects) {
		d.Account = rules.Unknown
	}
	if d.ExpenseType == rules.Unknown && d.Account != rules.Unknown {
		for _, t := range rules.ExpenseTypes {
			if strings.Contains(d.Account, t) {
				d.ExpenseType = t
				break
			}
		}
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
}

func inSet(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
