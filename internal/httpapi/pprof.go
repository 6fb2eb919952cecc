package httpapi

import (
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// pprofHandler serves net/http/pprof under /debug/pprof/*name.
func pprofHandler(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	switch name {
	case "":
		hpprof.Index(c.Writer, c.Request)
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}
