package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fapiaoAI/invoice-audit-service/internal/db"
)

// RegisterRequest creates a new account
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// UserInfo - profile data returned to the client
type UserInfo struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	LastLogin string `json:"last_login,omitempty"`
}

// MeResponse - session check response
type MeResponse struct {
	Success bool       `json:"success"`
	User    *UserInfo  `json:"user,omitempty"`
	Stats   *UserStats `json:"stats,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// UserStats - per-user audit counters
type UserStats struct {
	ReportsTotal    int `json:"reportsTotal"`
	ReportsHighRisk int `json:"reportsHighRisk"`
}

// RegisterHandler - POST /api/register
func RegisterHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if db.Pool == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "user service unavailable"})
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, `{"error":"email and password are required"}`, http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, `{"error":"failed to hash password"}`, http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var id string
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO public.users (email, password_hash, name, role)
		 VALUES ($1, $2, $3, 'submitter')
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id`,
		req.Email, string(hash), req.Name,
	).Scan(&id)
	if err != nil {
		http.Error(w, `{"error":"email already registered"}`, http.StatusConflict)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"id": id, "email": req.Email})
}

// MeHandler - GET /api/me
func MeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if db.Pool == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(MeResponse{
			Success: false,
			Error:   "service unavailable",
		})
		return
	}

	ctx := r.Context()
	claims, err := GetClaimsFromContext(ctx)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(MeResponse{
			Success: false,
			Error:   "unauthorized",
		})
		return
	}

	query := `SELECT id, email, COALESCE(name, ''), COALESCE(role, ''), last_login
	          FROM public.users
	          WHERE id = $1::uuid`

	var id, email, name, role string
	var lastLogin *time.Time

	err = db.Pool.QueryRow(ctx, query, claims.UserID).Scan(
		&id, &email, &name, &role, &lastLogin,
	)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(MeResponse{
			Success: false,
			Error:   "user not found",
		})
		return
	}

	statsQuery := `SELECT
	    COUNT(*) as total,
	    COUNT(*) FILTER (WHERE risk_level = '高') as high_risk
	FROM audit_reports WHERE user_id = $1::uuid`

	var total, highRisk int
	db.Pool.QueryRow(ctx, statsQuery, claims.UserID).Scan(&total, &highRisk)

	var lastLoginStr string
	if lastLogin != nil {
		lastLoginStr = lastLogin.Format(time.RFC3339)
	}

	json.NewEncoder(w).Encode(MeResponse{
		Success: true,
		User: &UserInfo{
			ID:        id,
			Email:     email,
			Name:      name,
			Role:      role,
			LastLogin: lastLoginStr,
		},
		Stats: &UserStats{
			ReportsTotal:    total,
			ReportsHighRisk: highRisk,
		},
	})
}
