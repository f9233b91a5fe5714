package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// AuditReport is one stored audit run. The full report lives in a JSONB
// column so the pipeline schema can evolve without migrations.
type AuditReport struct {
	ID            uuid.UUID  `json:"id"`
	InvoiceNumber string     `json:"invoice_number"`
	SellerName    string     `json:"seller_name"`
	InvoiceDate   *time.Time `json:"invoice_date"`
	TotalAmount   float64    `json:"total_amount"`
	ExpenseType   string     `json:"expense_type"`
	RiskLevel     string     `json:"risk_level"`
	VerifyValid   bool       `json:"verify_valid"`
	FileURL       string     `json:"file_url"`
	ReportJSON    string     `json:"report_json"`
	UserID        uuid.UUID  `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// NewAuditReport flattens the queryable columns out of a report.
func NewAuditReport(report *models.Report, fileURL string, userID uuid.UUID) (*AuditReport, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize report: %w", err)
	}

	rec := report.InvoiceInfo
	ar := &AuditReport{
		ExpenseType: report.ExpenseType,
		RiskLevel:   report.Risk.RiskLevel,
		VerifyValid: report.Verification.IsValid,
		FileURL:     fileURL,
		ReportJSON:  string(raw),
		UserID:      userID,
	}
	if rec != nil {
		ar.InvoiceNumber = rec.InvoiceNumber
		ar.SellerName = rec.SellerName
		if t, err := time.Parse("2006-01-02", rec.InvoiceDate); err == nil {
			ar.InvoiceDate = &t
		}
		if amt := strings.ReplaceAll(rec.AmountInFigures, ",", ""); amt != "" {
			fmt.Sscanf(amt, "%f", &ar.TotalAmount)
		}
	}
	return ar, nil
}

func SaveReport(ctx context.Context, rep *AuditReport) error {
	query := `
		INSERT INTO audit_reports (
			invoice_number, seller_name, invoice_date, total_amount,
			expense_type, risk_level, verify_valid, file_url,
			report_json, user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := Pool.QueryRow(ctx, query,
		rep.InvoiceNumber, rep.SellerName, rep.InvoiceDate, rep.TotalAmount,
		rep.ExpenseType, rep.RiskLevel, rep.VerifyValid, rep.FileURL,
		rep.ReportJSON, rep.UserID,
	).Scan(&rep.ID, &rep.CreatedAt)

	return err
}

func GetReports(ctx context.Context, limit int) ([]AuditReport, error) {
	query := `
		SELECT id, COALESCE(invoice_number, ''), COALESCE(seller_name, ''),
		       invoice_date, COALESCE(total_amount, 0), COALESCE(expense_type, ''),
		       COALESCE(risk_level, ''), COALESCE(verify_valid, false),
		       COALESCE(file_url, ''), created_at
		FROM audit_reports
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []AuditReport
	for rows.Next() {
		var rep AuditReport
		err := rows.Scan(
			&rep.ID, &rep.InvoiceNumber, &rep.SellerName,
			&rep.InvoiceDate, &rep.TotalAmount, &rep.ExpenseType,
			&rep.RiskLevel, &rep.VerifyValid, &rep.FileURL, &rep.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}

	return reports, nil
}

// GetReportByID retrieves a single audit report by ID
func GetReportByID(ctx context.Context, reportID string) (*AuditReport, error) {
	query := `
		SELECT id, COALESCE(invoice_number, ''), COALESCE(seller_name, ''),
		       invoice_date, COALESCE(total_amount, 0), COALESCE(expense_type, ''),
		       COALESCE(risk_level, ''), COALESCE(verify_valid, false),
		       COALESCE(file_url, ''), COALESCE(report_json::text, ''),
		       COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       created_at, updated_at
		FROM audit_reports
		WHERE id = $1
	`

	var rep AuditReport
	err := Pool.QueryRow(ctx, query, reportID).Scan(
		&rep.ID, &rep.InvoiceNumber, &rep.SellerName,
		&rep.InvoiceDate, &rep.TotalAmount, &rep.ExpenseType,
		&rep.RiskLevel, &rep.VerifyValid, &rep.FileURL, &rep.ReportJSON,
		&rep.UserID, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// UpdateReport updates audit report fields
func UpdateReport(ctx context.Context, reportID string, updates map[string]interface{}) error {
	// Build dynamic UPDATE query
	sets := []string{}
	args := []interface{}{}
	i := 1
	for key, value := range updates {
		sets = append(sets, fmt.Sprintf("%s = $%d", key, i))
		args = append(args, value)
		i++
	}

	// Add updated_at
	sets = append(sets, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now())
	i++

	// Add report ID as last parameter
	args = append(args, reportID)

	query := fmt.Sprintf("UPDATE audit_reports SET %s WHERE id = $%d",
		strings.Join(sets, ", "), i)

	_, err := Pool.Exec(ctx, query, args...)
	return err
}

// DeleteReport removes an audit report
func DeleteReport(ctx context.Context, reportID string) error {
	_, err := Pool.Exec(ctx, "DELETE FROM audit_reports WHERE id = $1", reportID)
	return err
}

// MonthlyStats represents monthly statistics
type MonthlyStats struct {
	Month        string  `json:"month"`
	TotalReports int     `json:"total_reports"`
	TotalAmount  float64 `json:"total_amount"`
	HighRisk     int     `json:"high_risk"`
	VerifyFailed int     `json:"verify_failed"`
}

// GetMonthlyStats returns statistics for current month
func GetMonthlyStats(ctx context.Context) (*MonthlyStats, error) {
	query := `
		SELECT
			COUNT(*) as total_reports,
			COALESCE(SUM(total_amount), 0) as total_amount,
			COUNT(*) FILTER (WHERE risk_level = '高') as high_risk,
			COUNT(*) FILTER (WHERE NOT verify_valid) as verify_failed
		FROM audit_reports
		WHERE DATE_TRUNC('month', created_at) = DATE_TRUNC('month', CURRENT_DATE)
	`

	stats := &MonthlyStats{
		Month: time.Now().Format("2006-01"),
	}

	err := Pool.QueryRow(ctx, query).Scan(
		&stats.TotalReports,
		&stats.TotalAmount,
		&stats.HighRisk,
		&stats.VerifyFailed,
	)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
