package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Serve runs the /healthz and /metrics endpoints named in
// SPEC_FULL.md §6's --stats-addr flag until ctx is canceled. /metrics
// reuses promhttp.Handler against c's own registry, adapted onto
// fasthttp via fasthttpadaptor rather than running a second net/http
// listener just for this one handler.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))

	server := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			switch string(rc.Path()) {
			case "/healthz":
				rc.SetStatusCode(fasthttp.StatusOK)
				rc.SetBodyString("ok")
			case "/metrics":
				metrics(rc)
			default:
				rc.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return server.ShutdownWithContext(ctx)
	}
}
