package relay

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/stleox/spanflow/pkg/tracer"
	"go.opentelemetry.io/otel/propagation"
)

const (
	TagHTTPMethod     = "http.method"
	TagHTTPPath       = "http.path"
	TagHTTPURL        = "http.url"
	TagHTTPStatusCode = "http.status_code"
)

// GinMiddleware runs every request inside an inbound server span.
func (r *Relay) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ctx, span := r.Inbound(c.Request.Context(), c.Request.Method+" "+path,
			propagation.HeaderCarrier(c.Request.Header))
		span.SetTag(TagHTTPMethod, c.Request.Method)
		span.SetTag(TagHTTPPath, c.Request.URL.Path)
		c.Request = c.Request.WithContext(ctx)

		// handler panic 时同样关闭 span，再交给外层 Recovery
		defer func() {
			if rec := recover(); rec != nil {
				span.SetTag(TagHTTPStatusCode, strconv.Itoa(http.StatusInternalServerError))
				span.SetTag(tracer.TagError, "true")
				span.SetTag(tracer.TagErrorMessage, fmt.Sprint(rec))
				span.Finish()
				panic(rec)
			}
		}()

		c.Next()

		status := c.Writer.Status()
		span.SetTag(TagHTTPStatusCode, strconv.Itoa(status))
		if status >= http.StatusInternalServerError {
			span.SetTag(tracer.TagError, "true")
		}
		if err := c.Errors.Last(); err != nil {
			span.SetError(err.Err)
		}
		span.Finish()
	}
}

// HTTPClient issues outbound HTTP calls through Relay.Call.
type HTTPClient struct {
	relay  *Relay
	client *resty.Client
}

// NewHTTPClient wraps client, or a fresh resty client when nil.
func (r *Relay) NewHTTPClient(client *resty.Client) *HTTPClient {
	if client == nil {
		client = resty.New()
	}
	return &HTTPClient{relay: r, client: client}
}

func (c *HTTPClient) Get(ctx context.Context, url string) (*resty.Response, error) {
	return c.Do(ctx, resty.MethodGet, url, nil)
}

// Do sends one request. A 5xx response is tagged on the span but returned
// like any other response.
func (c *HTTPClient) Do(ctx context.Context, method, url string, body any) (*resty.Response, error) {
	var resp *resty.Response
	header := http.Header{}
	err := c.relay.Call(ctx, method+" "+url, propagation.HeaderCarrier(header), func(ctx context.Context) error {
		req := c.client.R().SetContext(ctx)
		for k := range header {
			req.SetHeader(k, header.Get(k))
		}
		if body != nil {
			req.SetBody(body)
		}

		var err error
		resp, err = req.Execute(method, url)

		span := tracer.SpanFromContext(ctx)
		span.SetTag(TagHTTPMethod, method)
		span.SetTag(TagHTTPURL, url)
		if resp != nil && resp.StatusCode() != 0 {
			span.SetTag(TagHTTPStatusCode, strconv.Itoa(resp.StatusCode()))
			if resp.StatusCode() >= http.StatusInternalServerError {
				span.SetTag(tracer.TagError, "true")
			}
		}
		return err
	})
	return resp, err
}
