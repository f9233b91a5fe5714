package signal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

func TestCollectMergesGoodsSources(t *testing.T) {
	rec := &models.InvoiceRecord{
		ServiceTypeDetail: "住宿服务",
		Remark:            "入住三晚",
		SellerName:        "城市酒店",
		Filename:          "发票.pdf",
		Goods:             []models.GoodsItem{{Name: "住宿费"}, {Name: ""}},
	}
	vdata := &models.VerifyData{
		GoodsData: []models.GoodsItem{{Name: "住宿服务"}, {Name: "住宿费"}},
	}

	bag := Collect(rec, vdata, "出差杭州")

	// Verified lines first, then record lines, deduped.
	assert.Equal(t, []string{"住宿服务", "住宿费"}, bag.Goods)
	assert.Equal(t, "住宿服务", bag.ServiceTypeDetail)
	assert.Equal(t, "出差杭州", bag.User)
}

func TestCollectDetailFallsBackToServiceType(t *testing.T) {
	rec := &models.InvoiceRecord{ServiceType: "交通"}

	bag := Collect(rec, nil, "")

	assert.Equal(t, "交通", bag.ServiceTypeDetail)
}

func TestCollectGoodsCap(t *testing.T) {
	var goods []models.GoodsItem
	for i := 0; i < MaxGoods+10; i++ {
		goods = append(goods, models.GoodsItem{Name: fmt.Sprintf("品目%d", i)})
	}

	bag := Collect(&models.InvoiceRecord{Goods: goods}, nil, "")

	assert.Len(t, bag.Goods, MaxGoods)
}

func TestDeriveFlags(t *testing.T) {
	bag := Bag{
		Goods:  []string{"住宿费"},
		Remark: "含早餐饮品",
		User:   "会议期间打车",
	}

	flags := DeriveFlags(bag)

	assert.True(t, flags.HasLodging)
	assert.True(t, flags.HasTaxi)
	assert.True(t, flags.HasMeal)
	assert.True(t, flags.HasMeeting)

	assert.Equal(t, Flags{}, DeriveFlags(Bag{}))
}

func TestInferServiceType(t *testing.T) {
	rec := &models.InvoiceRecord{ServiceType: "服务"}

	assert.Equal(t, "住宿服务", InferServiceType(rec, []string{"酒店住宿"}, "", ""))
	assert.Equal(t, "交通", InferServiceType(rec, nil, "高铁出差", ""))
	assert.Equal(t, "办公", InferServiceType(rec, []string{"复印纸"}, "", ""))
	// Nothing matches: keep the record's own class.
	assert.Equal(t, "服务", InferServiceType(rec, nil, "", ""))
	assert.Equal(t, "未知", InferServiceType(&models.InvoiceRecord{}, nil, "", ""))
}

func TestForceTravel(t *testing.T) {
	assert.True(t, ForceTravel("滴滴出行 行程单"))
	assert.True(t, ForceTravel("运输服务*客运"))
	assert.False(t, ForceTravel("办公用品采购"))
}

func TestInferCategory(t *testing.T) {
	cat := InferCategory(Bag{
		Goods: []string{"*运输服务*客运服务费"},
		User:  "滴滴打车，行程单已附",
	})

	assert.Equal(t, "交通-打车/市内", cat.Name)
	assert.NotEmpty(t, cat.Hits)
	assert.NotEmpty(t, cat.EvidenceRequired)
}

func TestInferCategoryUnknown(t *testing.T) {
	cat := InferCategory(Bag{User: "无关内容"})

	assert.Equal(t, "UNKNOWN", cat.Name)
	assert.Zero(t, cat.Score)
}
