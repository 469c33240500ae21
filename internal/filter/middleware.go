package filter

import (
	"net"
	"net/http"

	"github.com/coman3/YetAnotherProxyManager/internal/ipclass"
)

// ConfigSource resolves the filter configuration of a route; (nil, nil) means none.
type ConfigSource interface {
	FilterConfiguration(routeID string) (*Configuration, error)
}

// Recorder observes admission decisions, e.g. to export metrics.
type Recorder interface {
	RecordDecision(routeID string, action Action)
}

// Middleware rejects requests denied by the route's filter configuration with 403.
// The configuration is looked up per request so edits apply without a restart.
// A failing lookup admits the request and is logged.
func Middleware(src ConfigSource, ev *Evaluator, routeID string, rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg, err := src.FilterConfiguration(routeID)
			if err != nil {
				ev.log.Error("load filter configuration failed", "route_id", routeID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			d := ev.Evaluate(r.Context(), cfg, ip, r.Header)
			if rec != nil {
				rec.RecordDecision(routeID, d.Action)
			}
			if !d.Allowed() {
				ev.log.Info("request denied", "route_id", routeID, "client", ip, "reason", d.Reason)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the peer address of r. Forwarding headers are not trusted.
func ClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return ipclass.Parse(host)
}
