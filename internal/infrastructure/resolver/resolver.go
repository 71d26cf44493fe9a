package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
)

var errTooManyRedirects = errors.New("too many redirects")

// Options configures a Resolver.
type Options struct {
	Workers           int
	MaxRedirects      int
	Timeout           time.Duration
	UserAgent         string
	RedirectorDomains []string
	Client            *http.Client
	Logger            *slog.Logger
	Hooks             Hooks
}

// Hooks receives one call per resolved URL.
type Hooks struct {
	OnResolve func(result domain.ResolutionResult)
}

// Resolver follows redirector links to their destination with a bounded
// worker pool. It never returns an error: failures keep the original URL.
type Resolver struct {
	workers      int
	maxRedirects int
	timeout      time.Duration
	userAgent    string
	domains      []string
	client       *http.Client
	logger       *slog.Logger
	hooks        Hooks
}

var _ ports.LinkResolver = (*Resolver)(nil)

// New builds a Resolver. Unset workers and timeout fall back to 8 and 10s; a
// negative MaxRedirects means the default of 10.
func New(opts Options) *Resolver {
	r := &Resolver{
		workers:      opts.Workers,
		maxRedirects: opts.MaxRedirects,
		timeout:      opts.Timeout,
		userAgent:    opts.UserAgent,
		client:       opts.Client,
		logger:       logging.OrDiscard(opts.Logger),
		hooks:        opts.Hooks,
	}
	if r.workers <= 0 {
		r.workers = 8
	}
	if r.maxRedirects < 0 {
		r.maxRedirects = 10
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Second
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	for _, d := range opts.RedirectorDomains {
		if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
			r.domains = append(r.domains, d)
		}
	}
	return r
}

// IsRedirector reports whether rawURL is an http(s) link on a redirector domain.
func (r *Resolver) IsRedirector(rawURL string) bool {
	return IsRedirector(rawURL, r.domains)
}

// IsRedirector reports whether rawURL is an http(s) link whose host is one of
// domains or a subdomain of one.
func IsRedirector(rawURL string, domains []string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ResolveAll resolves every distinct URL once and returns results keyed by
// input URL. Redirector links are resolved concurrently; the map is only
// built after the pool has drained.
func (r *Resolver) ResolveAll(ctx context.Context, urls []string) map[string]domain.ResolutionResult {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}

	results := make([]domain.ResolutionResult, len(unique))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, u := range unique {
		if !r.IsRedirector(u) {
			results[i] = r.Resolve(ctx, u)
			continue
		}
		g.Go(func() error {
			results[i] = r.Resolve(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]domain.ResolutionResult, len(unique))
	for i, u := range unique {
		out[u] = results[i]
	}
	stats := Tally(out)
	r.logger.Info("links resolved",
		"attempted", stats.Attempted,
		"resolved", stats.Resolved,
		"query_param", stats.QueryParam,
		"redirect", stats.Redirect,
		"failed", stats.Failed,
		"skipped", stats.Skipped)
	return out
}

// Stats summarizes a set of resolution results.
type Stats struct {
	Attempted  int
	Resolved   int
	QueryParam int
	Redirect   int
	Failed     int
	Skipped    int
}

// Tally counts results by method and outcome. Attempted covers every
// redirector link, Skipped every link that bypassed resolution.
func Tally(results map[string]domain.ResolutionResult) Stats {
	var s Stats
	for _, res := range results {
		if res.Method == domain.MethodSkipped {
			s.Skipped++
			continue
		}
		s.Attempted++
		if !res.Succeeded {
			s.Failed++
			continue
		}
		s.Resolved++
		if res.Method == domain.MethodQueryParam {
			s.QueryParam++
		} else {
			s.Redirect++
		}
	}
	return s
}

// Resolve determines the destination of a single URL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) domain.ResolutionResult {
	res := r.resolve(ctx, rawURL)
	if r.hooks.OnResolve != nil {
		r.hooks.OnResolve(res)
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, rawURL string) domain.ResolutionResult {
	result := domain.ResolutionResult{
		OriginalURL: rawURL,
		FinalURL:    rawURL,
		ErrorKind:   domain.ErrorKindNone,
	}

	if !r.IsRedirector(rawURL) {
		result.Succeeded = true
		result.Method = domain.MethodSkipped
		return result
	}

	if target, ok := r.fromQuery(rawURL); ok {
		result.FinalURL = target
		result.Succeeded = true
		result.Method = domain.MethodQueryParam
		return result
	}

	result.Method = domain.MethodRedirect
	final, hops, err := r.follow(ctx, rawURL)
	result.HopCount = hops
	if err != nil {
		result.ErrorKind = classify(err)
		r.logger.Debug("redirect resolution failed", "url", rawURL, "kind", result.ErrorKind, "error", err)
		return result
	}
	if r.IsRedirector(final) {
		if target, ok := r.fromQuery(final); ok {
			result.FinalURL = target
			result.Succeeded = true
			return result
		}
		result.ErrorKind = domain.ErrorKindNetwork
		r.logger.Debug("redirect chain ended on the redirector", "url", rawURL, "final", final)
		return result
	}

	result.FinalURL = final
	result.Succeeded = true
	return result
}

// fromQuery extracts a destination carried in the url, u or q parameter,
// in either lower or upper case.
func (r *Resolver) fromQuery(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	query := u.Query()
	for _, key := range []string{"url", "u", "q"} {
		candidate := query.Get(key)
		if candidate == "" {
			candidate = query.Get(strings.ToUpper(key))
		}
		for range 3 {
			if candidate == "" {
				break
			}
			if isAbsoluteHTTP(candidate) && !r.IsRedirector(candidate) {
				return candidate, true
			}
			unquoted, err := url.QueryUnescape(candidate)
			if err != nil || unquoted == candidate {
				break
			}
			candidate = unquoted
		}
	}
	return "", false
}

func (r *Resolver) follow(ctx context.Context, rawURL string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hops := 0
	client := *r.client
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > r.maxRedirects {
			return errTooManyRedirects
		}
		hops = len(via)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", hops, err
	}
	resp.Body.Close()

	return resp.Request.URL.String(), hops, nil
}

func classify(err error) domain.ErrorKind {
	if errors.Is(err, errTooManyRedirects) {
		return domain.ErrorKindTooManyRedirects
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}
	return domain.ErrorKindNetwork
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
