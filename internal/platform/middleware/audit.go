package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/auth"
)

const auditPrefix = "/api/v1/"

// AuditEntry describes one authenticated call against the ledger API.
type AuditEntry struct {
	RequestID  string
	ActorID    string
	ActorRoles []string
	Resource   string // first path segment, e.g. "cash-requests"
	ResourceID string
	Action     string // read, create, update, delete
	Method     string
	Path       string
	RemoteIP   string
	Status     int
	Timestamp  time.Time
}

// Audit logs who touched which ledger resource. Writes are logged at info
// and reads at debug, so a production log level of info keeps a trail of
// every money-moving call.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			entry := newAuditEntry(c, err)
			evt := logger.Debug()
			if entry.Action != "read" {
				evt = logger.Info()
			}
			evt.
				Str("type", "ledger_audit").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Strs("actor_roles", entry.ActorRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status).
				Msg("ledger_access")

			return err
		}
	}
}

func newAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	resource, id := splitResource(req.URL.Path)
	status := c.Response().Status
	if err != nil {
		status = statusOf(err)
	}
	return AuditEntry{
		RequestID:  requestID(c),
		ActorID:    auth.UserIDFromContext(ctx),
		ActorRoles: auth.RolesFromContext(ctx),
		Resource:   resource,
		ResourceID: id,
		Action:     methodToAction(req.Method),
		Method:     req.Method,
		Path:       req.URL.Path,
		RemoteIP:   c.RealIP(),
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResource returns the resource segment of an API path and the first
// id that follows it.
//
//	/api/v1/invoices                 -> invoices, ""
//	/api/v1/invoices/<uuid>/payments -> invoices, <uuid>
func splitResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, auditPrefix), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			return segments[0], segments[1]
		}
	}
	return segments[0], ""
}
