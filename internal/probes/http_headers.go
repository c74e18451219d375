package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Scan types written by the http_headers probe.
const (
	ScanTypeHSTS               = "http_hsts"
	ScanTypeFrameOptions       = "http_x_frame_options"
	ScanTypeContentTypeOptions = "http_x_content_type_options"
	ScanTypeCSP                = "http_content_security_policy"
)

const maxRedirects = 5

// HTTPHeadersProbe fetches the front page of a target and records its
// security headers. Redirects are followed and the final response is judged.
type HTTPHeadersProbe struct {
	client    *http.Client
	userAgent string
}

// NewHTTPHeadersProbe creates a probe with the given request timeout.
func NewHTTPHeadersProbe(timeout time.Duration, userAgent string) *HTTPHeadersProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHeadersProbe{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

func (p *HTTPHeadersProbe) Name() string { return "http_headers" }

func (p *HTTPHeadersProbe) Activities() []db.Activity {
	return []db.Activity{db.ActivityScan}
}

// pageURL returns target as a URL. Bare hosts are fetched over https.
func pageURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "https://" + target + "/"
}

func (p *HTTPHeadersProbe) Run(ctx context.Context, _ db.Activity, target string) ([]db.Finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL(target), http.NoBody)
	if err != nil {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeTargetInvalid, "build request", target, err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ErrNetwork(target, "http headers", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	return JudgeHeaders(target, resp.Request.URL.String(), resp.StatusCode, resp.Header), nil
}

// JudgeHeaders rates the security headers of one response.
func JudgeHeaders(target, finalURL string, status int, h http.Header) []db.Finding {
	ev := func(name string) db.JSONB {
		return evidence(map[string]any{"url": finalURL, "status": status, "header": name, "value": h.Values(name)})
	}
	finding := func(scanType, header, rating, message string) db.Finding {
		return db.Finding{Target: target, ScanType: scanType, Rating: rating, Message: message, Evidence: ev(header)}
	}

	return []db.Finding{
		judgeHSTS(h.Get("Strict-Transport-Security"), func(rating, msg string) db.Finding {
			return finding(ScanTypeHSTS, "Strict-Transport-Security", rating, msg)
		}),
		judgeFrameOptions(h.Get("X-Frame-Options"), func(rating, msg string) db.Finding {
			return finding(ScanTypeFrameOptions, "X-Frame-Options", rating, msg)
		}),
		judgeContentTypeOptions(h.Get("X-Content-Type-Options"), func(rating, msg string) db.Finding {
			return finding(ScanTypeContentTypeOptions, "X-Content-Type-Options", rating, msg)
		}),
		judgeCSP(h.Get("Content-Security-Policy"), func(rating, msg string) db.Finding {
			return finding(ScanTypeCSP, "Content-Security-Policy", rating, msg)
		}),
	}
}

func judgeHSTS(value string, mk func(rating, msg string) db.Finding) db.Finding {
	if value == "" {
		return mk(RatingAbsent, "Strict-Transport-Security not set")
	}
	for _, directive := range strings.Split(value, ";") {
		name, arg, _ := strings.Cut(strings.TrimSpace(directive), "=")
		if !strings.EqualFold(name, "max-age") {
			continue
		}
		age, err := strconv.ParseInt(strings.Trim(arg, `"`), 10, 64)
		if err != nil || age <= 0 {
			return mk(RatingInvalid, "max-age is not a positive number")
		}
		return mk(RatingPresent, fmt.Sprintf("max-age=%d", age))
	}
	return mk(RatingInvalid, "max-age directive missing")
}

func judgeFrameOptions(value string, mk func(rating, msg string) db.Finding) db.Finding {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "":
		return mk(RatingAbsent, "X-Frame-Options not set")
	case "DENY", "SAMEORIGIN":
		return mk(RatingPresent, strings.ToUpper(strings.TrimSpace(value)))
	default:
		return mk(RatingInvalid, fmt.Sprintf("unsupported value %q", value))
	}
}

func judgeContentTypeOptions(value string, mk func(rating, msg string) db.Finding) db.Finding {
	switch {
	case value == "":
		return mk(RatingAbsent, "X-Content-Type-Options not set")
	case strings.EqualFold(strings.TrimSpace(value), "nosniff"):
		return mk(RatingPresent, "nosniff")
	default:
		return mk(RatingInvalid, fmt.Sprintf("unsupported value %q", value))
	}
}

func judgeCSP(value string, mk func(rating, msg string) db.Finding) db.Finding {
	if strings.TrimSpace(value) == "" {
		return mk(RatingAbsent, "Content-Security-Policy not set")
	}
	directives := 0
	for _, d := range strings.Split(value, ";") {
		if strings.TrimSpace(d) != "" {
			directives++
		}
	}
	return mk(RatingPresent, fmt.Sprintf("%d directive(s)", directives))
}
