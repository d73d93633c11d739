package retry

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
)

// RestyOperation adapts an upstream HTTP call into an Operation. build
// prepares the request (headers, body, auth); responses with status >= 400
// become a *StatusError carrying the parsed Retry-After header. The response
// of the last successful attempt is stored in *out when out is not nil.
func RestyOperation(client *resty.Client, method, url string, build func(*resty.Request), out **resty.Response) Operation {
	return func(ctx context.Context) error {
		req := client.R().SetContext(ctx)
		if build != nil {
			build(req)
		}

		resp, err := req.Execute(method, url)
		if err != nil {
			return err
		}

		if resp.StatusCode() >= 400 {
			se := &StatusError{
				StatusCode: resp.StatusCode(),
				Body:       resp.String(),
			}
			se.RetryAfter, se.HasRetryAfter = ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
			return se
		}

		if out != nil {
			*out = resp
		}
		return nil
	}
}
