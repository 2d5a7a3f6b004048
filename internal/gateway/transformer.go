// Request transformation - body, headers and target URL for the upstream call.
//
// DESIGN: Pure functions over the inbound request and the provider Context.
// Header maps use lowercase keys throughout; http.Header is converted once
// at the boundary (clientHeaders) and back once when building the outbound
// request.
package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/auth"
	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/provider"
)

// hopByHopHeaders never travel to the upstream.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"content-length":      {},
	"content-encoding":    {},
}

// clientOnlyHeaders are inbound headers meant for the gateway itself.
// Client credentials are replaced by provider credentials, and the upstream
// must answer uncompressed so adapters can read the body.
var clientOnlyHeaders = map[string]struct{}{
	"authorization":   {},
	"x-api-key":       {},
	"cookie":          {},
	"accept-encoding": {},
	"upgrade":         {},
	"x-request-id":    {},
	"x-session-id":    {},
	"origin":          {},
	"referer":         {},
}

// ExtractRequestMetadata returns the model and stream flag of a request body.
// Anything unreadable yields ("", false).
func ExtractRequestMetadata(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	res := gjson.GetManyBytes(body, "model", "stream")
	model := ""
	if res[0].Type == gjson.String {
		model = res[0].String()
	}
	return model, res[1].Type == gjson.True
}

// TransformBody runs the request adapter and then the provider body
// transformer. In fail-open mode any error forwards the original body; in
// fail-closed mode the error is returned.
func TransformBody(body []byte, adapter adapters.RequestAdapter, pctx provider.Context, mode string) ([]byte, error) {
	out := body
	if adapter != nil {
		adapted, err := adapter.AdaptRequest(body)
		if err != nil {
			if mode == config.FailClosed {
				return nil, err
			}
			log.Warn().Err(err).Str("provider", pctx.Name).Msg("request translation failed, forwarding original body")
			return body, nil
		}
		out = adapted
	}
	if pctx.BodyTransformer != nil {
		transformed, err := pctx.BodyTransformer.TransformBody(out, pctx.SessionID)
		if err != nil {
			if mode == config.FailClosed {
				var parseErr *ParseError
				if errors.As(err, &parseErr) {
					return nil, err
				}
				return nil, &InternalError{Err: err}
			}
			log.Warn().Err(err).Str("provider", pctx.Name).Msg("body transform failed, forwarding original body")
			return body, nil
		}
		out = transformed
	}
	return out, nil
}

// PrepareHeaders builds the outbound header set. Later sources win:
// filtered request headers, header transformer output, auth, extra headers.
func PrepareHeaders(reqHeaders, authHeaders, extraHeaders map[string]string, pctx provider.Context) map[string]string {
	headers := make(map[string]string, len(reqHeaders)+len(authHeaders)+len(extraHeaders)+1)
	for k, v := range reqHeaders {
		k = strings.ToLower(k)
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		headers[k] = v
	}

	if pctx.HeaderTransformer != nil {
		headers = pctx.HeaderTransformer.TransformHeaders(headers, pctx.SessionID, auth.BearerToken(lowerKeys(authHeaders)))
	}
	for k, v := range authHeaders {
		headers[strings.ToLower(k)] = v
	}
	for k, v := range extraHeaders {
		headers[strings.ToLower(k)] = v
	}

	if _, ok := headers["content-type"]; !ok {
		headers["content-type"] = "application/json"
	}
	return headers
}

// BuildTargetURL maps the inbound path onto the provider base URL.
func BuildTargetURL(baseURL, path, rawQuery string, pctx provider.Context) string {
	if pctx.RoutePrefix != "" && pctx.RoutePrefix != "/" {
		path = strings.TrimPrefix(path, pctx.RoutePrefix)
	}
	if pctx.PathRewrite != nil {
		path = pctx.PathRewrite(path)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var target string
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		target = strings.TrimSuffix(baseURL, "/") + path
	} else {
		target = u.JoinPath(path).String()
	}

	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// clientHeaders converts inbound headers to a lowercase map, dropping the
// ones addressed to the gateway. Repeated values are comma-joined.
func clientHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		k = strings.ToLower(k)
		if _, skip := clientOnlyHeaders[k]; skip {
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// responseHeaders converts upstream response headers to a lowercase map.
func responseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
