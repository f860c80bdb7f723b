package monitor

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const maxCapturedBody = 64 << 10

type ctxKey int

const (
	requestKey ctxKey = iota
	userKey
	sessionKey
)

// WithRequest attaches request data to ctx for exception reports
func WithRequest(ctx context.Context, r *RequestData) context.Context {
	return context.WithValue(ctx, requestKey, r)
}

// WithUser attaches the authenticated user to ctx
func WithUser(ctx context.Context, user Map) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// WithSession attaches session data to ctx
func WithSession(ctx context.Context, session Map) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func capturedFrom(ctx context.Context) *Captured {
	if ctx == nil {
		return nil
	}

	c := &Captured{}
	c.Request, _ = ctx.Value(requestKey).(*RequestData)
	c.User, _ = ctx.Value(userKey).(Map)
	c.Session, _ = ctx.Value(sessionKey).(Map)

	if c.Request == nil && c.User == nil && c.Session == nil {
		return nil
	}
	return c
}

// CaptureRequest copies the parts of r attached to exception reports. The
// body is read up to a limit and put back so the handler still sees it.
func CaptureRequest(r *http.Request) *RequestData {
	data := &RequestData{
		URL:       fullURL(r),
		Method:    r.Method,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Headers:   r.Header.Clone(),
		Input:     Map{},
	}

	for k, v := range valuesMap(r.URL.Query()) {
		data.Input[k] = v
	}

	body := readBody(r)
	if len(body) == 0 {
		return data
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, v := range valuesMap(form) {
				data.Input[k] = v
			}
		}
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		v, err := DecodeJSON(body)
		if err != nil {
			break
		}
		if m, ok := v.(Map); ok {
			for k, e := range m {
				data.Input[k] = e
			}
		} else {
			data.Input["_body"] = v
		}
	}

	return data
}

func readBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return nil
	}
	return buf
}

func valuesMap(values url.Values) Map {
	m := make(Map, len(values))
	for k, v := range values {
		if len(v) == 1 {
			m[k] = String(v[0])
			continue
		}
		m[k] = FromAny(v)
	}
	return m
}

func fullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware attaches request data to the request context and reports
// panics raised by next before re-panicking. http.ErrAbortHandler is passed
// through unreported.
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if m.config.CaptureRequest() && m.gate.Enabled() {
			ctx = WithRequest(ctx, CaptureRequest(r))
			r = r.WithContext(ctx)
		}

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec != http.ErrAbortHandler { //nolint:errorlint
				m.capture(r.Context(), newException(panicError(rec), callers(0, true)), nil)
			}
			panic(rec)
		}()

		next.ServeHTTP(w, r)
	})
}
