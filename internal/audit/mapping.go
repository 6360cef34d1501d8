package audit

import (
	"net/http"
	"strings"
)

// ActionResource holds action and resource derived from an HTTP route.
type ActionResource struct {
	Action   string
	Resource string
}

// routeOverrides name the push-auth protocol steps explicitly; everything else is derived.
var routeOverrides = map[string]ActionResource{
	"POST /v1/auth/push/initiate":                       {"initiate", ResourcePushAuth},
	"POST /v1/auth/push/respond":                        {"respond", ResourcePushAuth},
	"GET /v1/auth/push/status/:requestId":               {"poll", ResourcePushAuth},
	"POST /v1/auth/push/exchange":                       {"exchange", ResourcePushAuth},
	"POST /v1/auth/push/:requestId/ack":                 {"acknowledge", ResourcePushAuth},
	"DELETE /v1/auth/push/:requestId":                   {"cancel", ResourcePushAuth},
	"GET /v1/auth/push/available/:userId":               {"availability", ResourcePushAuth},
	"PUT /v1/auth/push/subscriptions/:id/push-auth":     {"toggle", ResourceSubscription},
	"POST /v1/auth/session/refresh":                     {"refresh", "session"},
	"POST /v1/auth/session/logout":                      {"logout", "session"},
	"GET /v1/auth/push/dev/push/outbox/:subscriptionId": {"read_outbox", "dev_outbox"},
}

// ParseRoute returns action and resource for a request, keyed on the gin route template (FullPath),
// not the concrete URL, so ids never leak into the action.
// Unlisted routes derive the action from the method (GET on a collection is "list", on an item "get")
// and the resource from the last static path segment.
func ParseRoute(method, route string) ActionResource {
	if ar, ok := routeOverrides[method+" "+route]; ok {
		return ar
	}
	if route == "" {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	segs := strings.Split(strings.Trim(route, "/"), "/")
	resource := ""
	item := false
	for i := len(segs) - 1; i >= 0; i-- {
		if strings.HasPrefix(segs[i], ":") || strings.HasPrefix(segs[i], "*") {
			item = item || i == len(segs)-1
			continue
		}
		resource = segs[i]
		break
	}
	if resource == "" || resource == "v1" {
		resource = "unknown"
	}
	resource = strings.TrimSuffix(strings.ReplaceAll(resource, "-", "_"), "s")
	return ActionResource{Action: methodToAction(method, item), Resource: resource}
}

func methodToAction(method string, item bool) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if item {
			return "get"
		}
		return "list"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
