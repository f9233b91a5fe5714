package models

// Reference is one normalized citation source. A nil Score renders as
// JSON null; zero scores and structural context sources are suppressed
// to nil so the frontend does not show rows of 0.0000.
type Reference struct {
	Title string   `json:"title"`
	URL   string   `json:"url,omitempty"`
	Score *float64 `json:"score"`
}

// AccountingAnalysis is the account-subject block of the report.
type AccountingAnalysis struct {
	AccountSubject string      `json:"account_subject"`
	Basis          []string    `json:"basis"`
	Suggestions    []string    `json:"suggestions"`
	SourcesUsed    []Reference `json:"sources_used"`
	Error          string      `json:"error,omitempty"`
}

// RiskAnalysis is the risk block of the report.
type RiskAnalysis struct {
	RiskPoints  []string    `json:"risk_points"`
	Basis       []string    `json:"basis"`
	RiskLevel   string      `json:"risk_level"`
	SourcesUsed []Reference `json:"sources_used"`
	Error       string      `json:"error,omitempty"`
}

// ApprovalAnalysis is the approval-notes block of the report.
type ApprovalAnalysis struct {
	ApprovalNotes []string    `json:"approval_notes"`
	Basis         []string    `json:"basis"`
	Suggestions   []string    `json:"suggestions"`
	SourcesUsed   []Reference `json:"sources_used"`
	Error         string      `json:"error,omitempty"`
}

// Verification is the outcome of the invoice authenticity check.
type Verification struct {
	IsValid bool        `json:"is_valid"`
	Message string      `json:"verify_message"`
	Data    *VerifyData `json:"data,omitempty"`
}

// VerifyData carries the verified amounts and goods lines returned by
// the verification collaborator, in its field naming.
type VerifyData struct {
	SumAmount   string      `json:"sumamount,omitempty"`   // 价税合计
	GoodsAmount string      `json:"goodsamount,omitempty"` // 不含税金额
	TaxAmount   string      `json:"taxamount,omitempty"`   // 税额
	GoodsData   []GoodsItem `json:"goodsData,omitempty"`
}

// AccountCandidate is one weighted keyword-map match for an account.
type AccountCandidate struct {
	Account string   `json:"account"`
	Score   float64  `json:"score"`
	Matched []string `json:"matched"`
}

// Report is the full audit result for one invoice.
type Report struct {
	InvoiceInfo              *InvoiceRecord     `json:"invoice_info"`
	ExpenseType              string             `json:"expense_type"`
	Accounting               AccountingAnalysis `json:"accounting_analysis"`
	Risk                     RiskAnalysis       `json:"risk_analysis"`
	Approval                 ApprovalAnalysis   `json:"approval_analysis"`
	Verification             Verification       `json:"verification"`
	KeywordAccountCandidates []AccountCandidate `json:"keyword_account_candidates"`
	PolicyWarnings           []string           `json:"policy_warnings"`
	ProcessedTime            string             `json:"processed_time"`
}
