package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// Extractor turns raw invoice files into an InvoiceRecord. It never
// returns an error: OCR failures surface on the record's OCRError field
// so the audit pipeline can still emit a degraded report.
type Extractor struct {
	client *Client
}

// NewExtractor creates an extractor backed by the Baidu OCR client.
func NewExtractor(cfg models.OCRConfig) *Extractor {
	return &Extractor{client: NewClient(cfg)}
}

// Extract runs OCR on the file and maps the result onto an invoice
// record.
func (e *Extractor) Extract(ctx context.Context, fileBytes []byte, filename string) *models.InvoiceRecord {
	rec := &models.InvoiceRecord{Filename: filename}

	jr, err := e.client.Recognize(ctx, fileBytes, filename)
	if err != nil {
		rec.OCRError = fmt.Sprintf("client_exception:%v", err)
		return rec
	}
	if ocrErr := anyToString(jr["__ocr_error__"]); ocrErr != "" {
		rec.OCRError = ocrErr
		return rec
	}

	wrapResult(jr, rec)
	fillMissingAmount(rec)
	return rec
}

// wrapResult maps the Baidu words_result payload onto the record. The
// payload shape varies: words_result may be a list wrapping a result
// map, a map wrapping one, or the field map itself.
func wrapResult(jr map[string]any, rec *models.InvoiceRecord) {
	wr, _ := jr["words_result"].(map[string]any)
	if list, ok := jr["words_result"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			wr, _ = first["result"].(map[string]any)
		}
	} else if wr != nil {
		if inner, ok := wr["result"].(map[string]any); ok {
			wr = inner
		}
	}
	if wr == nil {
		return
	}

	field := func(keys ...string) string {
		for _, k := range keys {
			if s := strings.TrimSpace(asText(wr[k])); s != "" {
				return s
			}
		}
		return ""
	}

	rec.InvoiceNumber = field("InvoiceNum", "InvoiceNumDigit")
	rec.InvoiceCode = field("InvoiceCode")
	rec.InvoiceDate = field("InvoiceDate")
	rec.SellerName = field("SellerName")
	rec.SellerRegisterNum = field("SellerRegisterNum", "SellerTaxID")
	rec.BuyerName = field("PurchaserName")
	rec.BuyerRegisterNum = field("PurchaserRegisterNum", "PurchaserTaxID")
	rec.TotalAmount = field("TotalAmount")
	rec.TotalTax = field("TotalTax")
	rec.AmountInFigures = field("AmountInFiguers", "AmountInFigures")
	rec.AmountInWords = field("AmountInWords")
	rec.CheckCode = field("CheckCode", "Password")
	rec.InvoiceType = field("InvoiceType")
	rec.Remark = field("Remarks", "Remark")

	rec.ServiceTypeDetail = firstWord(wr["CommodityName"])

	rough := field("ServiceType", "InvoiceKind")
	if rough == "" {
		rough = "服务"
	}
	rec.ServiceType = inferService(rough, rec.ServiceTypeDetail, rec.SellerName)

	taxSrc := wr["CommodityTaxRate"]
	if taxSrc == nil {
		taxSrc = wr["TaxRate"]
	}
	if taxSrc == nil {
		taxSrc = wr["tax_rate"]
	}
	rec.TaxRate, rec.TaxRateDecimal = normTaxRate(taxSrc)
}

// fillMissingAmount derives the tax-inclusive total when only the
// exclusive amount and tax are present.
func fillMissingAmount(rec *models.InvoiceRecord) {
	if rec.AmountInFigures != "" || rec.TotalAmount == "" || rec.TotalTax == "" {
		return
	}
	amount, err1 := decimal.NewFromString(strings.TrimSpace(rec.TotalAmount))
	tax, err2 := decimal.NewFromString(strings.TrimSpace(rec.TotalTax))
	if err1 != nil || err2 != nil {
		return
	}
	rec.AmountInFigures = amount.Add(tax).String()
}

// inferService upgrades a generic class like "服务" into the concrete
// category the detail line and seller name point at.
func inferService(rough, detail, seller string) string {
	txt := strings.ToLower(rough + " " + detail + " " + seller)
	hit := func(keys ...string) bool {
		for _, k := range keys {
			if strings.Contains(txt, k) {
				return true
			}
		}
		return false
	}
	switch {
	case hit("住宿", "酒店", "宾馆", "客栈", "客房", "房费", "入住", "hotel"):
		return "住宿服务"
	case hit("客运", "打车", "出租", "网约车", "gaode", "高德", "didi", "滴滴", "首汽", "t3", "强生"):
		return "交通/打车"
	case hit("广告", "投放", "媒介", "推广", "banner", "信息流"):
		return "广告/投放"
	case hit("信息服务", "saas", "云服务", "软件", "系统服务", "技术服务", "维护费"):
		return "信息服务"
	case hit("会议", "会务", "场地", "会场"):
		return "会议/会务"
	}
	return rough
}

// normTaxRate unifies tax rate spellings into a percent string plus a
// decimal value, e.g. "3%" and 0.03.
func normTaxRate(raw any) (string, float64) {
	s := strings.TrimSpace(asText(raw))
	if s == "" {
		return "", 0
	}
	if strings.HasSuffix(s, "%") {
		d, err := decimal.NewFromString(strings.TrimSuffix(s, "%"))
		if err != nil {
			return s, 0
		}
		v, _ := d.Div(decimal.NewFromInt(100)).Float64()
		return s, v
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s, 0
	}
	v, _ := d.Float64()
	if v <= 1.0 {
		return fmt.Sprintf("%.0f%%", v*100), v
	}
	return fmt.Sprintf("%.0f%%", v), v / 100
}

// asText flattens a Baidu field value: plain strings pass through, word
// lists yield their first word.
func asText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		return firstWord(v)
	default:
		return anyToString(v)
	}
}

// firstWord pulls the first "word" entry out of a list-shaped field.
func firstWord(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	if m, ok := list[0].(map[string]any); ok {
		return strings.TrimSpace(anyToString(m["word"]))
	}
	return strings.TrimSpace(anyToString(list[0]))
}
