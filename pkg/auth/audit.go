package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/dtc/pkg/observability"
)

// Security event actions
const (
	ActionRegister        = "user.register"
	ActionLogin           = "user.login"
	ActionPasswordChange  = "user.password_change"
	ActionAccountDelete   = "user.delete"
	ActionAdminRoleChange = "admin.role_change"
	ActionAdminDisable    = "admin.disable"
	ActionAdminDelete     = "admin.delete_user"
)

// Event statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// AuditLogger writes security events as structured log lines tagged
// audit=true so they can be routed separately.
type AuditLogger struct {
	logger *observability.Logger
}

// NewAuditLogger creates an audit logger on top of logger
func NewAuditLogger(logger *observability.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.WithField("audit", true)}
}

// AuditEvent is one security-relevant action
type AuditEvent struct {
	Action   string
	Status   string
	ActorID  int64
	TargetID int64
	Email    string
	Err      error
}

// LogFromRequest records event with the caller's address and user agent
func (al *AuditLogger) LogFromRequest(r *http.Request, event AuditEvent) {
	fields := map[string]interface{}{
		"action":     event.Action,
		"status":     event.Status,
		"ip_address": ClientIP(r),
		"user_agent": r.UserAgent(),
	}
	if event.ActorID != 0 {
		fields["actor_id"] = event.ActorID
	}
	if event.TargetID != 0 {
		fields["target_id"] = event.TargetID
	}
	if event.Email != "" {
		fields["email"] = event.Email
	}
	if id := observability.GetRequestID(r.Context()); id != "" {
		fields["request_id"] = id
	}

	l := al.logger.WithFields(fields).WithError(event.Err)
	if event.Status == StatusSuccess {
		l.Info("Security event")
	} else {
		l.Warn("Security event")
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote host
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
