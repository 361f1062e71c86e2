package chatexchange

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/internal/clock"
	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/rest"
)

var throttlePattern = regexp.MustCompile(`You can perform this action again in (\d+) seconds`)

// okBody is the response of simple state-changing operations.
const okBody = "ok"

// pipeline posts authenticated forms and rides out server throttling.
type pipeline struct {
	rest     *rest.Client
	fkey     func() string
	clock    clock.Clock
	attempts int // consecutive throttled responses before giving up
	logger   Logger
	fields   map[string]any
}

// post sends fields (alternating names and values) to path with the
// current fkey as the first pair. A throttled request is retried after
// the delay named in the response; the p.attempts-th throttled response
// in a row fails the request.
func (p *pipeline) post(ctx context.Context, path string, fields ...string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		form := append([]rest.Field{{Name: "fkey", Value: p.fkey()}}, rest.Fields(fields...)...)
		resp, err := p.rest.PostForm(ctx, path, form, true)
		if err != nil {
			return nil, WrapError(ErrorTransport, "post "+path, err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		body := resp.Text()
		m := throttlePattern.FindStringSubmatch(body)
		if m == nil {
			return nil, NewError(ErrorProtocol,
				fmt.Sprintf("post %s: status %d: %s", path, resp.StatusCode, body))
		}
		if attempt+1 >= p.attempts {
			return nil, NewError(ErrorProtocol,
				fmt.Sprintf("post %s: throttled %d times in a row: %s", path, attempt+1, body))
		}

		secs, _ := strconv.Atoi(m[1])
		wait := time.Duration(secs) * time.Second
		p.logger.Debug("throttled", p.with(map[string]any{
			"path":    path,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}))
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			return nil, WrapError(ErrorTransport, "throttle wait for "+path, ctx.Err())
		}
	}
}

// postOK posts and requires the "ok" acknowledgement. what describes the
// operation for the error, e.g. "delete message 42".
func (p *pipeline) postOK(ctx context.Context, what, path string, fields ...string) error {
	body, err := p.post(ctx, path, fields...)
	if err != nil {
		return err
	}
	if got := bodyText(body); got != okBody {
		return NewError(ErrorProtocol, fmt.Sprintf("cannot %s: %s", what, got))
	}
	return nil
}

func (p *pipeline) with(fields map[string]any) map[string]any {
	for k, v := range p.fields {
		fields[k] = v
	}
	return fields
}

// bodyText returns a JSON string body unquoted, or any other body as-is.
func bodyText(body []byte) string {
	if gjson.ValidBytes(body) {
		if r := gjson.ParseBytes(body); r.Type == gjson.String {
			return r.String()
		}
	}
	return strings.TrimSpace(string(body))
}
