package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fapiaoAI/invoice-audit-service/api"
	"github.com/fapiaoAI/invoice-audit-service/internal/auth"
	"github.com/fapiaoAI/invoice-audit-service/internal/classify"
	"github.com/fapiaoAI/invoice-audit-service/internal/db"
	"github.com/fapiaoAI/invoice-audit-service/internal/kb"
	"github.com/fapiaoAI/invoice-audit-service/internal/models"
	"github.com/fapiaoAI/invoice-audit-service/internal/ocr"
	"github.com/fapiaoAI/invoice-audit-service/internal/pipeline"
	"github.com/fapiaoAI/invoice-audit-service/internal/storage"
	"github.com/fapiaoAI/invoice-audit-service/internal/verify"
)

func main() {
	// Initialize JWT
	if err := auth.Init(); err != nil {
		log.Printf("Warning: JWT not configured: %v", err)
		log.Println("Running without authentication")
	}

	// Initialize database connection pool
	if err := db.Init(); err != nil {
		log.Printf("Warning: Database not available: %v", err)
		log.Println("Running in audit-only mode (no persistence)")
	} else {
		defer db.Close()
	}

	// Initialize MinIO storage
	if err := storage.Init(); err != nil {
		log.Printf("Warning: MinIO storage not available: %v", err)
		log.Println("Uploaded files will not be stored")
	} else {
		log.Println("MinIO storage initialized")
	}

	// Load configuration
	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Knowledge base is mandatory: every narrative block cites it.
	retriever, err := kb.NewRetriever(config.KB.Path, config.KB.PublicBase)
	if err != nil {
		log.Fatalf("Failed to load knowledge base: %v", err)
	}
	log.Printf("Knowledge base loaded: %d documents from %s", len(retriever.DocNames()), config.KB.Path)

	// LLM provider is optional; rules and the keyword map carry the
	// classification when it is missing.
	provider, err := classify.NewProvider(config.AI)
	if err != nil {
		log.Printf("Warning: AI provider not available: %v", err)
		log.Println("Classification falls back to rules and keyword map")
		provider = nil
	}

	processor := pipeline.NewProcessor(
		ocr.NewExtractor(config.OCR),
		verify.NewVerifier(config.Verify),
		retriever,
		provider,
		config.Audit,
	)

	// Create API handler
	handler := api.NewHandler(config, processor, retriever)
	router := handler.SetupRoutes()

	// Wrap router with JWT middleware (skips /health and /api/login)
	protectedRouter := auth.JWTMiddleware(router)

	// Start server
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	log.Printf("Starting Invoice Audit Service v%s on %s", api.Version, addr)
	log.Printf("Default AI Provider: %s", config.AI.DefaultProvider)
	log.Printf("Database: %v", db.Pool != nil)
	log.Printf("Storage: %v", storage.Client != nil)
	log.Printf("Endpoints:")
	log.Printf("  POST http://%s/api/login              - Authenticate", addr)
	log.Printf("  POST http://%s/api/register           - Create account", addr)
	log.Printf("  GET  http://%s/api/me                 - Current user (requires JWT)", addr)
	log.Printf("  POST http://%s/api/audit-invoice      - Audit invoice + evidence (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/reports            - List audit reports (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/report/{id}        - Get single report (requires JWT)", addr)
	log.Printf("  PUT  http://%s/api/report/{id}        - Update report (requires JWT)", addr)
	log.Printf("  DELETE http://%s/api/report/{id}      - Delete report (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/stats              - Get monthly stats (requires JWT)", addr)
	log.Printf("  GET  http://%s/health                 - Health check", addr)

	if err := http.ListenAndServe(addr, protectedRouter); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func loadConfig(path string) (*models.Config, error) {
	var config models.Config

	// Read config file; environment variables alone are enough.
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		log.Printf("Warning: config file not readable (%v), using defaults and environment", err)
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}
	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}
	if apiKey := os.Getenv("BAIDU_AK"); apiKey != "" {
		config.OCR.APIKey = apiKey
	}
	if secretKey := os.Getenv("BAIDU_SK"); secretKey != "" {
		config.OCR.SecretKey = secretKey
	}
	if appCode := os.Getenv("ALIYUN_FAPIAO_APPCODE"); appCode != "" {
		config.Verify.AppCode = appCode
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.AI.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.AI.Gemini.APIKey = apiKey
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		config.AI.DefaultProvider = provider
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.AI.OpenAI.BaseURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		config.AI.OpenAI.Model = model
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.AI.Gemini.Model = model
	}
	if dir := os.Getenv("KB_DIR"); dir != "" {
		config.KB.Path = dir
	}
	if base := os.Getenv("PUBLIC_KB_BASE"); base != "" {
		config.KB.PublicBase = base
	}

	config.Defaults()
	return &config, nil
}
