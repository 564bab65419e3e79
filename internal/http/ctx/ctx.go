package ctx

import (
	"github.com/valyala/fasthttp"
)

const sourceKey = "eventSource"

// SetSource tags the request with the calling event source, taken from
// the X-Event-Source header by the middleware chain.
func SetSource(ctx *fasthttp.RequestCtx, source string) {
	ctx.SetUserValue(sourceKey, source)
}

// SourceFromCtx returns the event-source tag for logging, if present.
func SourceFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(sourceKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
