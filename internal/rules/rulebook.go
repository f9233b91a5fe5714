package rules

// Rule maps trigger keywords to an expense type and account subject.
type Rule struct {
	ExpenseType string
	Account     string
	Keys        []string
}

// Book is the ordered rule list. Order matters: when two rules tie on
// score the earlier one wins.
var Book = []Rule{
	// 差旅 - 住宿
	{ExpenseType: "差旅费-住宿", Account: "6603-差旅费",
		Keys: []string{"住宿", "住宿费", "酒店", "宾馆", "客房", "房费", "入住", "连住"}},
	// 差旅 - 市内交通/打车
	{ExpenseType: "差旅费-市内交通/打车", Account: "6603-差旅费",
		Keys: []string{"打车", "网约车", "出租", "客运", "高德", "滴滴", "曹操", "首汽", "t3"}},
	// 差旅 - 城际交通（火车/机票等）
	{ExpenseType: "差旅费-城际交通", Account: "6603-差旅费",
		Keys: []string{"机票", "航班", "航空", "登机", "铁路", "火车票", "高铁", "动车", "车次", "航段"}},
	// 办公费
	{ExpenseType: "办公费", Account: "6601-办公费",
		Keys: []string{"办公用品", "文具", "耗材", "复印纸", "打印纸", "硒鼓", "墨盒", "碳粉", "名片", "印刷", "装订"}},
	// 会议费
	{ExpenseType: "会议费", Account: "6604-会议费",
		Keys: []string{"会议", "会务", "场地费", "会场", "会展", "布展"}},
	// 培训费
	{ExpenseType: "培训费", Account: "6605-培训费",
		Keys: []string{"培训", "课程", "学费", "讲师费", "认证", "考试费"}},
	// 业务招待费（吃饭/宴请）
	{ExpenseType: "业务招待费", Account: "6602-业务招待费",
		Keys: []string{"宴请", "招待", "餐饮", "饭店", "酒楼", "酒水", "包间"}},
	// 通讯费
	{ExpenseType: "通讯费", Account: "6608-通讯费",
		Keys: []string{"通信", "通讯", "话费", "流量", "宽带", "固话", "电话费", "光纤"}},
	// 快递/邮寄：归到办公费更稳妥
	{ExpenseType: "办公费", Account: "6601-办公费",
		Keys: []string{"快递", "运单", "物流", "邮寄", "邮费", "快件", "顺丰", "中通", "圆通", "ems"}},
	// 信息/软件/技术服务：先归管理费用-其他，避免自定义细目不一致
	{ExpenseType: "管理费用-其他", Account: "6601-办公费",
		Keys: []string{"信息服务", "软件订阅", "saas", "技术服务", "咨询", "平台使用", "维护费"}},
}

// ExpenseTypes and AccountSubjects are the closed sets the classifier is
// allowed to pick from; anything else is UNKNOWN.
var (
	ExpenseTypes    = []string{"差旅费", "办公费", "业务招待费", "培训费", "通讯费", "会议费"}
	AccountSubjects = []string{"6601-办公费", "6602-业务招待费", "6603-差旅费", "6604-会议费", "6605-培训费", "6608-通讯费"}
)

// Unknown is the sentinel for an undecidable expense type or subject.
const Unknown = "UNKNOWN"
