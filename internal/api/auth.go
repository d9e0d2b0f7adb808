package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/aop/internal/config"
)

// AuthMiddleware gates the write RPCs (every handler registered with
// RequireAuth) behind a bearer token, per the teacher's auth middleware
// shape.
type AuthMiddleware struct {
	config    *config.APISecurity
	logger    *slog.Logger
	auditFile *os.File
}

// NewAuthMiddleware builds an AuthMiddleware, opening the audit log file if
// configured.
func NewAuthMiddleware(cfg *config.APISecurity, logger *slog.Logger) (*AuthMiddleware, error) {
	am := &AuthMiddleware{config: cfg, logger: logger}
	if cfg.AuditLog != "" {
		f, err := os.OpenFile(cfg.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("api: open audit log %q: %w", cfg.AuditLog, err)
		}
		am.auditFile = f
	}
	return am, nil
}

// Close closes the audit log file, if one is open.
func (am *AuthMiddleware) Close() error {
	if am.auditFile != nil {
		return am.auditFile.Close()
	}
	return nil
}

// AuditEvent is one line of the RPC audit log.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remoteAddr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"`
	Error      string    `json:"error,omitempty"`
	Duration   string    `json:"duration"`
}

func (am *AuthMiddleware) logAuditEvent(event AuditEvent) {
	if am.auditFile == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		am.logger.Error("api: failed to marshal audit event", "error", err)
		return
	}
	if _, err := am.auditFile.Write(append(data, '\n')); err != nil {
		am.logger.Error("api: failed to write audit event", "error", err)
	}
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func (am *AuthMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.config.AllowedTokens {
		if token == allowed {
			return true
		}
	}
	return false
}

// RequireAuth wraps next so that, when security is enabled, the request
// must carry a valid bearer token; when disabled but require_local_only is
// set, non-local remote addresses are rejected. Every pass through the
// middleware is logged to the audit file, if configured.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		event := AuditEvent{
			Timestamp: start, RemoteAddr: r.RemoteAddr, Method: r.Method,
			Path: r.URL.Path, UserAgent: r.Header.Get("User-Agent"),
		}
		defer func() {
			event.Duration = time.Since(start).String()
			am.logAuditEvent(event)
		}()

		if !am.config.Enabled {
			if am.config.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				event.Authorized = false
				event.Error = "non-local request rejected (require_local_only=true)"
				writeError(w, http.StatusForbidden, "access denied: non-local requests not allowed")
				return
			}
			event.Authorized = true
			next(w, r)
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)
		if !am.isValidToken(token) {
			event.Authorized = false
			event.Error = "invalid or missing token"
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized: valid bearer token required")
			return
		}
		event.Authorized = true
		next(w, r)
	}
}
