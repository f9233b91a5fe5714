package signal

import (
	"regexp"
	"strings"
)

// Category is the coarse expense scene inferred from keyword hits, with
// the evidence documents an auditor would expect for that scene.
type Category struct {
	Name             string   `json:"category"`
	Score            int      `json:"score"`
	Hits             []string `json:"hits"`
	EvidenceRequired []string `json:"evidence_required"`
}

type categoryDef struct {
	name     string
	keys     []string
	evidence []string
}

// Definitions are ordered; ties go to the earlier entry.
var categoryDefs = []categoryDef{
	{
		name: "交通-打车/市内",
		keys: []string{"打车", "网约车", "出租", "滴滴", "高德", "曹操", "首汽", "t3", "客运", "快车", "专车", "顺风车", "乘车码", "行程单"},
		evidence: []string{
			"出差审批单/公务事由说明与行程是否一致",
			"打车行程记录或订单截图（起止点、时间、乘车人）",
			"支付凭证/发票金额与订单金额一致",
		},
	},
	{
		name: "差旅-住宿",
		keys: []string{"住宿", "酒店", "宾馆", "客房", "入住", "房费", "住宿费", "night", "check-in", "check out"},
		evidence: []string{
			"出差审批单与入住日期/城市匹配",
			"酒店订单/入住登记/结算单据",
			"同一行程有交通与住宿的关联证据",
		},
	},
	{
		name: "差旅-长途交通",
		keys: []string{"火车", "动车", "高铁", "机票", "航班", "航空", "车票", "铁道", "民航", "登机", "起飞", "落地"},
		evidence: []string{
			"出差审批单与航班/车次匹配",
			"电子客票/行程单/登机牌或乘车记录",
			"往返合理性与费用合规性",
		},
	},
	{
		name: "餐饮/工作餐",
		keys: []string{"餐", "工作餐", "餐费", "就餐", "早餐", "午餐", "晚餐", "餐饮", "围餐", "盒饭", "外卖"},
		evidence: []string{
			"工作餐审批/会议纪要/参与人清单",
			"同城是否符合公司工作餐政策",
			"单价/人数/次数是否超制度阈值",
		},
	},
	{
		name: "办公用品/低值易耗",
		keys: []string{"办公", "耗材", "打印", "复印", "硒鼓", "墨盒", "文具", "名片", "印刷", "纸张", "装订"},
		evidence: []string{
			"采购申请单/入库单/领用台账",
			"可重复使用物品建立台账",
			"供应商、品名与办公场景匹配",
		},
	},
	{
		name: "培训/会议/会务",
		keys: []string{"培训", "报名费", "会务", "会议费", "讲座", "研讨", "会展", "会议服务"},
		evidence: []string{
			"培训/会议通知及参会名单",
			"费用明细与合同/订单一致",
			"发票抬头/税号无误",
		},
	},
	{
		name: "快递/邮寄",
		keys: []string{"快递", "邮寄", "运费", "寄件", "快运", "物流"},
		evidence: []string{
			"寄件记录/面单与业务单据关联",
			"计费重量/路由合理性",
			"同客户/同项目集中寄件说明",
		},
	},
	{
		name: "油费/路桥",
		keys: []string{"加油", "燃油", "汽油", "柴油", "油费", "etc", "过路费", "过桥费", "高速费", "停车"},
		evidence: []string{
			"用车审批/行驶路线与业务关系",
			"ETC/发卡单位账单或加油小票",
			"个人车报销按制度比例",
		},
	},
	{
		name: "通讯/网络",
		keys: []string{"通信", "通讯", "电话费", "话费", "流量", "宽带", "网络", "上网", "固话", "移动", "联通", "电信"},
		evidence: []string{
			"号码/账号归属与岗位关联",
			"包月/流量套餐与报销周期匹配",
			"公司付费与个人垫付界面划分",
		},
	},
}

var spaceRe = regexp.MustCompile(`\s+`)

func normText(s string) string {
	return strings.ToLower(spaceRe.ReplaceAllString(s, ""))
}

// InferCategory scores the keyword sets against the whole signal bag and
// returns the best-scoring scene with its expected evidence list, or
// Name "UNKNOWN" when nothing hits.
func InferCategory(bag Bag) Category {
	blob := normText(strings.Join(bag.Texts(), " "))

	best := Category{Name: "UNKNOWN"}
	for _, def := range categoryDefs {
		score := 0
		var hits []string
		for _, k := range def.keys {
			if nk := normText(k); nk != "" && strings.Contains(blob, nk) {
				score++
				hits = append(hits, k)
			}
		}
		if score > best.Score {
			best = Category{Name: def.name, Score: score, Hits: hits, EvidenceRequired: def.evidence}
		}
	}
	return best
}
