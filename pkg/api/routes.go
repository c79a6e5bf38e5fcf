package api

import (
	"regexp"
	"strings"
)

// Route templates recognized for audit event naming; anything else audits
// under its literal path.
var routeTemplates = []struct {
	pattern  *regexp.Regexp
	template string
}{
	{regexp.MustCompile(`^/v1/school/events/[^/]+/claimants$`), "/v1/school/events/:eventId/claimants"},
	{regexp.MustCompile(`^/v1/school/events/[^/]+$`), "/v1/school/events/:eventId"},
	{regexp.MustCompile(`^/api/events/[^/]+/claim$`), "/api/events/:eventId/claim"},
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// TemplateRoute collapses path parameters into their template form.
func TemplateRoute(path string) string {
	for _, rt := range routeTemplates {
		if rt.pattern.MatchString(path) {
			return rt.template
		}
	}
	return path
}

// AuditEventName derives the audit event for a request:
// API_<METHOD>_<templated path, non-alphanumerics to underscores, uppercased>.
func AuditEventName(method, path string) string {
	route := TemplateRoute(path)
	normalized := strings.Trim(nonAlnum.ReplaceAllString(route, "_"), "_")
	return "API_" + strings.ToUpper(method) + "_" + strings.ToUpper(normalized)
}

// ClassifyActor assigns the audit actor for a request. Wallet addresses are
// masked to the first and last four characters.
func ClassifyActor(method, path, bearer, wallet string) (actorType, actorID string) {
	switch {
	case strings.HasPrefix(path, "/api/admin/") || strings.HasPrefix(path, "/api/master/"):
		return "operator", "operator"
	case strings.HasPrefix(path, "/v1/school/events") && method != "GET":
		return "operator", "operator"
	case strings.HasPrefix(path, "/api/audit/receipts/verify"):
		return "auditor", "auditor"
	case path == "/v1/school/claims":
		return "wallet", MaskWallet(wallet)
	case path == "/api/users/register" || path == "/api/auth/verify" ||
		(strings.HasPrefix(path, "/api/events/") && strings.HasSuffix(path, "/claim")):
		return "user", "user"
	case strings.HasPrefix(path, "/v1/school/"):
		return "school", "school"
	default:
		return "system", "system"
	}
}

// MaskWallet keeps the first and last four characters of addresses longer
// than eight characters.
func MaskWallet(addr string) string {
	if len(addr) > 8 {
		return addr[:4] + "..." + addr[len(addr)-4:]
	}
	if addr == "" {
		return "anonymous"
	}
	return addr
}

// mutatingMethods require the fail-closed preflight when audit is required.
var mutatingMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// preflightExempt routes may mutate even when the immutable sink is down, so
// operators can still log in and manage invites during an outage.
var preflightExempt = map[string]bool{
	"POST /api/admin/login":  true,
	"POST /api/admin/invite": true,
	"POST /api/admin/rename": true,
	"POST /api/admin/revoke": true,
}
