package middleware

import (
	"bytes"
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"

	httpctx "ruleinsight/internal/http/ctx"
)

// BearerAuth validates Bearer tokens against the configured static
// ingest token. An empty configured token disables the check; real
// identity management lives outside this service.
func BearerAuth(token string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if source := string(ctx.Request.Header.Peek("X-Event-Source")); source != "" {
				httpctx.SetSource(ctx, source)
			}

			if token == "" {
				next(ctx)
				return
			}

			auth := ctx.Request.Header.Peek("Authorization")
			if len(auth) == 0 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid Authorization header")
				return
			}

			got := strings.TrimSpace(string(auth[len(prefix):]))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid token")
				return
			}

			next(ctx)
		}
	}
}
