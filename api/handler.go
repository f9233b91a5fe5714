package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fapiaoAI/invoice-audit-service/internal/auth"
	"github.com/fapiaoAI/invoice-audit-service/internal/db"
	"github.com/fapiaoAI/invoice-audit-service/internal/kb"
	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/pipeline"
	"github.com/fapiaoAI/invoice-audit-service/internal/storage"
)

const (
	MaxUploadSize = 20 * 1024 * 1024 // 20MB across all files
	Version       = "1.0.0"
)

// Handler handles HTTP requests for invoice auditing
type Handler struct {
	config    *models.Config
	processor *pipeline.Processor
	retriever *kb.Retriever
}

// NewHandler creates a new API handler
func NewHandler(config *models.Config, processor *pipeline.Processor, retriever *kb.Retriever) *Handler {
	return &Handler{
		config:    config,
		processor: processor,
		retriever: retriever,
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Main endpoint: one invoice plus optional evidence files
	router.HandleFunc("/api/audit-invoice", h.ProcessInvoice).Methods("POST")
	router.HandleFunc("/api/reports", h.GetReports).Methods("GET")

	// Report CRUD
	router.HandleFunc("/api/report/{id}", h.GetReport).Methods("GET")
	router.HandleFunc("/api/report/{id}", h.UpdateReport).Methods("PUT")
	router.HandleFunc("/api/report/{id}", h.DeleteReport).Methods("DELETE")

	// Statistics
	router.HandleFunc("/api/stats", h.GetStats).Methods("GET")

	// Auth
	router.HandleFunc("/api/login", auth.LoginHandler).Methods("POST")
	router.HandleFunc("/api/register", auth.RegisterHandler).Methods("POST")
	router.HandleFunc("/api/me", auth.MeHandler).Methods("GET")

	// Health check
	router.HandleFunc("/health", h.Health).Methods("GET")

	return router
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Memory    MemoryStats       `json:"memory"`
	Database  ServiceStatus     `json:"database"`
	Storage   ServiceStatus     `json:"storage"`
	Knowledge ServiceStatus     `json:"knowledge"`
	OCR       ServiceStatus     `json:"ocr"`
	Verify    ServiceStatus     `json:"verify"`
	AI        map[string]string `json:"ai"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health endpoint - enhanced for monitoring
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Memory statistics
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	kbStatus := h.checkKnowledge()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Database:  h.checkDatabase(),
		Storage:   h.checkStorage(),
		Knowledge: kbStatus,
		OCR:       h.checkOCR(),
		Verify:    h.checkVerify(),
		AI: map[string]string{
			"defaultProvider": h.config.AI.DefaultProvider,
		},
	}

	// The audit pipeline cannot run without the knowledge base.
	if !kbStatus.Available {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// checkDatabase verifies PostgreSQL connection
func (h *Handler) checkDatabase() ServiceStatus {
	if db.Pool == nil {
		return ServiceStatus{
			Available: false,
			Error:     "database pool not initialized",
		}
	}

	return ServiceStatus{
		Available: true,
		Version:   "PostgreSQL via PgBouncer",
	}
}

// checkStorage verifies MinIO connection
func (h *Handler) checkStorage() ServiceStatus {
	if storage.Client == nil {
		return ServiceStatus{
			Available: false,
			Error:     "storage client not initialized",
		}
	}

	return ServiceStatus{
		Available: true,
		Version:   "MinIO S3",
	}
}

// checkKnowledge verifies the knowledge base loaded
func (h *Handler) checkKnowledge() ServiceStatus {
	if h.retriever == nil {
		return ServiceStatus{
			Available: false,
			Error:     "knowledge base not loaded",
		}
	}
	return ServiceStatus{
		Available: true,
		Version:   fmt.Sprintf("%d documents", len(h.retriever.DocNames())),
	}
}

// checkOCR verifies OCR credentials are configured
func (h *Handler) checkOCR() ServiceStatus {
	if h.config.OCR.APIKey == "" || h.config.OCR.SecretKey == "" {
		return ServiceStatus{
			Available: false,
			Error:     "BAIDU_AK/BAIDU_SK not configured",
		}
	}
	return ServiceStatus{Available: true, Version: "Baidu VAT OCR"}
}

// checkVerify verifies the invoice verification backend is configured
func (h *Handler) checkVerify() ServiceStatus {
	if h.config.Verify.AppCode == "" {
		return ServiceStatus{
			Available: false,
			Error:     "ALIYUN_FAPIAO_APPCODE not configured",
		}
	}
	return ServiceStatus{Available: true, Version: "Aliyun invoice query"}
}

// mainInvoiceKeywords pick the invoice out of a multi-file upload.
var mainInvoiceKeywords = []string{"发票", "invoice", "fapiao", "fp"}

// ProcessInvoice runs the full audit on an uploaded invoice. Extra
// files in the same form are treated as supporting evidence.
func (h *Handler) ProcessInvoice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	requestStart := time.Now()

	claims, _ := auth.GetClaimsFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		h.sendError(w, http.StatusBadRequest, "File too large or invalid form data")
		return
	}

	headers := collectFiles(r)
	if len(headers) == 0 {
		h.sendError(w, http.StatusBadRequest, "No file provided (use 'files', 'file' or 'image' field)")
		return
	}

	mainIdx := pickMainInvoice(headers)

	mainData, err := readUpload(headers[mainIdx])
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}
	mainName := headers[mainIdx].Filename

	userNote := r.FormValue("user_note")
	nowDate := r.FormValue("now_date")

	// Upload the invoice first so a stored copy survives audit failures.
	var fileURL string
	if storage.Client != nil {
		contentType := headers[mainIdx].Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		storedName := fmt.Sprintf("%s_%s_%s",
			time.Now().Format("20060102_150405"),
			uuid.New().String()[:8],
			mainName,
		)
		fileURL, err = storage.UploadInvoiceFile(ctx, "invoices", storedName,
			bytes.NewReader(mainData), int64(len(mainData)), contentType)
		if err != nil {
			fmt.Printf("Warning: failed to upload invoice to MinIO: %v\n", err)
		}
	}

	// Evidence files: everything that is not the main invoice.
	var evidence []models.EvidenceFile
	for i, fh := range headers {
		if i == mainIdx {
			continue
		}
		ev := models.EvidenceFile{Type: "佐证材料", Filename: fh.Filename}
		if storage.Client != nil {
			if data, err := readUpload(fh); err == nil {
				contentType := fh.Header.Get("Content-Type")
				if contentType == "" {
					contentType = "application/octet-stream"
				}
				storedName := fmt.Sprintf("%s_%s_%s",
					time.Now().Format("20060102_150405"),
					uuid.New().String()[:8],
					fh.Filename,
				)
				if url, err := storage.UploadInvoiceFile(ctx, "evidence", storedName,
					bytes.NewReader(data), int64(len(data)), contentType); err == nil {
					ev.FileURL = url
				}
			}
		}
		evidence = append(evidence, ev)
	}

	report := h.processor.Process(ctx, pipeline.Request{
		FileBytes: mainData,
		Filename:  mainName,
		UserNote:  userNote,
		Evidence:  evidence,
		NowDate:   nowDate,
	})
	report.InvoiceInfo.Filename = mainName
	report.InvoiceInfo.FileURL = fileURL

	// Persist the report when the database is configured.
	var reportID string
	if db.Pool != nil {
		userID := uuid.Nil
		if claims != nil {
			if id, err := uuid.Parse(claims.UserID); err == nil {
				userID = id
			}
		}
		if rec, err := db.NewAuditReport(report, fileURL, userID); err == nil {
			if err := db.SaveReport(ctx, rec); err != nil {
				fmt.Printf("Warning: failed to save audit report to DB: %v\n", err)
			} else {
				reportID = rec.ID.String()
			}
		}
	}

	response := map[string]interface{}{
		"success":        true,
		"report":         report,
		"saved_to_db":    reportID != "",
		"total_duration": time.Since(requestStart).Seconds(),
	}
	if reportID != "" {
		response["report_id"] = reportID
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// collectFiles gathers uploads from the form in a stable field order.
func collectFiles(r *http.Request) []*multipart.FileHeader {
	if r.MultipartForm == nil {
		return nil
	}
	var out []*multipart.FileHeader
	for _, field := range []string{"files", "file", "image"} {
		out = append(out, r.MultipartForm.File[field]...)
	}
	return out
}

// pickMainInvoice prefers a filename that looks like an invoice,
// falling back to the first upload.
func pickMainInvoice(headers []*multipart.FileHeader) int {
	for i, fh := range headers {
		name := strings.ToLower(fh.Filename)
		for _, kw := range mainInvoiceKeywords {
			if strings.Contains(name, kw) {
				return i
			}
		}
	}
	return 0
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// GetReports returns recent audit reports
func (h *Handler) GetReports(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database not available")
		return
	}

	reports, err := db.GetReports(ctx, 100)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get reports: %v", err))
		return
	}

	// Generate presigned URLs for stored invoice files
	for i := range reports {
		if reports[i].FileURL != "" && storage.Client != nil {
			if presignedURL, err := storage.GetPresignedURL(ctx, reports[i].FileURL); err == nil {
				reports[i].FileURL = presignedURL
			}
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"reports": reports,
		"count":   len(reports),
	})
}

// GetReport returns a single audit report with its full JSON body
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database not available")
		return
	}

	vars := mux.Vars(r)
	reportID := vars["id"]

	report, err := db.GetReportByID(ctx, reportID)
	if err != nil {
		h.sendError(w, http.StatusNotFound, fmt.Sprintf("report not found: %v", err))
		return
	}

	if report.FileURL != "" && storage.Client != nil {
		if presignedURL, err := storage.GetPresignedURL(ctx, report.FileURL); err == nil {
			report.FileURL = presignedURL
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"report":  report,
	})
}

// UpdateReport updates audit report fields
func (h *Handler) UpdateReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database not available")
		return
	}

	vars := mux.Vars(r)
	reportID := vars["id"]

	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Only allow certain fields to be updated
	allowed := map[string]bool{
		"expense_type":   true,
		"risk_level":     true,
		"invoice_number": true,
		"seller_name":    true,
		"total_amount":   true,
	}
	filtered := make(map[string]interface{})
	for k, v := range updates {
		if allowed[k] {
			filtered[k] = v
		}
	}

	if len(filtered) == 0 {
		h.sendError(w, http.StatusBadRequest, "no valid fields to update")
		return
	}

	if err := db.UpdateReport(ctx, reportID, filtered); err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to update report")
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "report updated",
	})
}

// DeleteReport removes an audit report
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database not available")
		return
	}

	vars := mux.Vars(r)
	reportID := vars["id"]

	// Optionally: delete the stored invoice file
	if storage.Client != nil {
		report, err := db.GetReportByID(ctx, reportID)
		if err == nil && report.FileURL != "" {
			// Delete file (ignore errors)
			_ = storage.DeleteFile(ctx, report.FileURL)
		}
	}

	if err := db.DeleteReport(ctx, reportID); err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to delete report")
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "report deleted",
	})
}

// GetStats returns monthly statistics
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()

	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database not available")
		return
	}

	stats, err := db.GetMonthlyStats(ctx)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
