package signal

import (
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// MaxGoods caps how many distinct goods lines enter the signal bag.
const MaxGoods = 20

// Bag groups the classification signal texts by source. Each source
// carries a fixed weight during rule voting: invoice detail lines beat
// human-entered notes, which beat the seller name and the filename.
type Bag struct {
	Goods             []string
	ServiceTypeDetail string
	Remark            string
	Seller            string
	File              string
	User              string
}

// Flags mark scenario facts derived from the signal bag. They are passed
// to the narrative generators so the wording stays consistent with what
// the invoice already proves.
type Flags struct {
	HasLodging bool `json:"has_lodging"`
	HasTaxi    bool `json:"has_taxi"`
	HasMeal    bool `json:"has_meal"`
	HasMeeting bool `json:"has_meeting"`
}

// Collect assembles the weighted signal bag from the invoice record, the
// verification goods lines and the user note. Goods are deduplicated in
// first-seen order and capped at MaxGoods.
func Collect(rec *models.InvoiceRecord, verifyData *models.VerifyData, userNote string) Bag {
	var goods []string
	if verifyData != nil {
		for _, g := range verifyData.GoodsData {
			if n := strings.TrimSpace(g.Name); n != "" {
				goods = append(goods, n)
			}
		}
	}
	for _, g := range rec.Goods {
		if n := strings.TrimSpace(g.Name); n != "" {
			goods = append(goods, n)
		}
	}

	detail := rec.ServiceTypeDetail
	if detail == "" {
		detail = rec.ServiceType
	}

	return Bag{
		Goods:             dedup(goods, MaxGoods),
		ServiceTypeDetail: detail,
		Remark:            rec.Remark,
		Seller:            rec.SellerName,
		File:              rec.Filename,
		User:              userNote,
	}
}

// Texts returns every signal text in the bag, goods first.
func (b Bag) Texts() []string {
	out := make([]string, 0, len(b.Goods)+5)
	out = append(out, b.Goods...)
	out = append(out, b.ServiceTypeDetail, b.Remark, b.Seller, b.File, b.User)
	return out
}

var (
	lodgingKeys = []string{"住宿", "酒店", "宾馆", "客栈", "客房", "房费", "入住", "lodging", "hotel"}
	taxiKeys    = []string{"打车", "出租", "网约车", "客运", "高德", "滴滴", "曹操", "首汽", "t3"}
	mealKeys    = []string{"餐饮", "宴请", "招待", "酒水"}
	meetingKeys = []string{"会议", "会务", "会场", "场地费"}
	transitKeys = []string{"网约车", "出租车", "打车", "车费", "客运", "交通", "高铁", "机票", "动车", "地铁", "公交", "滴滴", "高德打车", "曹操"}
	officeKeys  = []string{"办公用品", "文具", "耗材", "复印纸", "打印纸", "硒鼓", "墨盒", "印刷", "名片"}
)

// DeriveFlags marks the scenario facts found anywhere in the bag.
func DeriveFlags(bag Bag) Flags {
	texts := bag.Texts()
	return Flags{
		HasLodging: hasAny(texts, lodgingKeys),
		HasTaxi:    hasAny(texts, taxiKeys),
		HasMeal:    hasAny(texts, mealKeys),
		HasMeeting: hasAny(texts, meetingKeys),
	}
}

// InferServiceType upgrades a generic OCR class like "服务" into the
// concrete category the goods lines, user note and remark point at.
// Falls back to the record's own service type, or "未知" when that is
// empty too.
func InferServiceType(rec *models.InvoiceRecord, goods []string, userNote, remark string) string {
	parts := append([]string{}, goods...)
	parts = append(parts, userNote, remark, rec.ServiceType)
	blob := strings.ToLower(strings.Join(parts, " "))

	hit := func(keys []string) bool {
		for _, k := range keys {
			if strings.Contains(blob, k) {
				return true
			}
		}
		return false
	}
	switch {
	case hit(lodgingKeys):
		return "住宿服务"
	case hit(transitKeys):
		return "交通"
	case hit(officeKeys):
		return "办公"
	}
	if rec.ServiceType != "" {
		return rec.ServiceType
	}
	return "未知"
}

// ForceTravel reports whether the combined hint text carries a transport
// keyword strong enough to pin the expense to travel.
var forceTravelKeys = []string{"打车", "网约车", "出租车", "客运", "运输服务", "行程单", "高德", "滴滴", "快车", "的士"}

func ForceTravel(blob string) bool {
	for _, k := range forceTravelKeys {
		if strings.Contains(blob, k) {
			return true
		}
	}
	return false
}

func hasAny(texts []string, keys []string) bool {
	t := strings.ToLower(strings.Join(texts, " "))
	for _, k := range keys {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func dedup(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
