package models

// InvoiceRecord holds the structured fields extracted from a VAT invoice.
// Amount fields stay as strings in the wire shape the OCR collaborator
// returns them in; reconciliation math parses them with shopspring/decimal.
type InvoiceRecord struct {
	InvoiceNumber     string `json:"invoice_number"`      // 发票号码
	InvoiceCode       string `json:"invoice_code"`        // 发票代码
	InvoiceDate       string `json:"invoice_date"`        // 开票日期
	SellerName        string `json:"seller_name"`         // 销售方名称
	SellerRegisterNum string `json:"seller_register_num"` // 销售方纳税人识别号
	BuyerName         string `json:"buyer_name"`          // 购买方名称
	BuyerRegisterNum  string `json:"buyer_register_num"`  // 购买方纳税人识别号
	TotalAmount       string `json:"total_amount"`        // 不含税金额
	TotalTax          string `json:"total_tax"`           // 税额
	AmountInFigures   string `json:"amount_in_figures"`   // 价税合计（含税）
	AmountInWords     string `json:"amount_in_words"`     // 大写金额
	CheckCode         string `json:"check_code"`          // 校验码
	ServiceType       string `json:"service_type"`        // 服务类型（粗类别，可被推断升级）
	ServiceTypeDetail string `json:"service_type_detail"` // 明细里的服务名
	TaxRate           string `json:"tax_rate"`            // 税率，如 "3%"
	TaxRateDecimal    float64 `json:"tax_rate_decimal,omitempty"`
	InvoiceType       string `json:"invoice_type"` // 发票类型
	Remark            string `json:"remark"`       // 备注

	// Provenance markers for inferred elements
	CheckCodeFrom   string `json:"check_code_from,omitempty"`
	InvoiceCodeFrom string `json:"invoice_code_from,omitempty"`

	Filename string `json:"filename,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	RawText  string `json:"raw_text,omitempty"`
	QRText   string `json:"qr_text,omitempty"`

	// Goods lines written back from verification
	Goods []GoodsItem `json:"goodsData,omitempty"`

	// Caller-supplied current date (YYYY-MM-DD). Date-window checks only
	// run when this is present; the system never substitutes wall-clock
	// "today" in user-facing date math.
	NowDate string `json:"now_date,omitempty"`

	Evidence             []EvidenceFile `json:"evidence_list,omitempty"`
	EvidenceTypesPresent []string       `json:"evidence_types_present,omitempty"`

	// Set when the OCR collaborator failed; the pipeline short-circuits
	// on it with a fully populated degraded report.
	OCRError string `json:"ocr_error,omitempty"`
}

// GoodsItem is one line item as returned by the verification collaborator.
type GoodsItem struct {
	Name   string `json:"name"`
	Spec   string `json:"spec,omitempty"`
	Unit   string `json:"unit,omitempty"`
	Num    string `json:"num,omitempty"`
	Price  string `json:"price,omitempty"`
	Amount string `json:"amount,omitempty"`
	Tax    string `json:"tax,omitempty"`
}

// EvidenceFile is a supporting attachment uploaded alongside the invoice.
// DerivedDate/DerivedAmount are clues parsed from the filename and are
// cross-checked against the invoice during risk analysis.
type EvidenceFile struct {
	Type          string `json:"type"`
	Filename      string `json:"filename"`
	DerivedDate   string `json:"derived_date,omitempty"`
	DerivedAmount string `json:"derived_amount,omitempty"`
	FileURL       string `json:"file_url,omitempty"`
}
