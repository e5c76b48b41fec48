package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS returns a middleware that sets CORS headers for the player's cross-origin
// requests. allowedOrigins is "*" or a comma-separated list; an entry such as
// "https://*.example.com" matches any subdomain.
func CORS(allowedOrigins string) gin.HandlerFunc {
	policy := parseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allow := policy.allow(origin); allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			if allow != "*" {
				c.Header("Vary", "Origin")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type originPolicy struct {
	any      bool
	exact    map[string]bool
	suffixes []string // "https://*.example.com" -> scheme "https://", suffix ".example.com"
	schemes  []string
}

func parseOrigins(s string) originPolicy {
	p := originPolicy{exact: make(map[string]bool)}
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "*")
			p.schemes = append(p.schemes, scheme)
			p.suffixes = append(p.suffixes, host)
		default:
			p.exact[o] = true
		}
	}
	if len(p.exact) == 0 && len(p.suffixes) == 0 {
		p.any = true
	}
	return p
}

func (p originPolicy) allow(origin string) string {
	if p.any {
		return "*"
	}
	if origin == "" {
		return ""
	}
	if p.exact[origin] {
		return origin
	}
	for i, suffix := range p.suffixes {
		rest, ok := strings.CutPrefix(origin, p.schemes[i])
		if ok && strings.HasSuffix(rest, suffix) && len(rest) > len(suffix) {
			return origin
		}
	}
	return ""
}
