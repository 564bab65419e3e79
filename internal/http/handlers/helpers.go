package handlers

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	httpctx "ruleinsight/internal/http/ctx"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		if source, ok := httpctx.SourceFromCtx(ctx); ok {
			log.Printf("%s %s -> %d (%s) source=%s ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), source, ctx.RemoteAddr())
			return
		}
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// queryTimeout reads the caller-supplied "timeout" query parameter
// (seconds, capped at 30), defaulting to 10s.
func queryTimeout(ctx *fasthttp.RequestCtx) time.Duration {
	if s := string(ctx.QueryArgs().Peek("timeout")); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			if f > 30 {
				f = 30
			}
			return time.Duration(f * float64(time.Second))
		}
	}
	return 10 * time.Second
}
