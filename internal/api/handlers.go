package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/scheduler"
	"github.com/Harvey-AU/stealth-bee/internal/worker"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const serviceName = "stealth-bee"

// maxFetchTimeout caps what a caller may ask for in a single fetch.
const maxFetchTimeout = 5 * time.Minute

// GatewayClient is the slice of the gateway the HTTP surface drives.
type GatewayClient interface {
	Fetch(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error)
	RecordSuccess(site string, latency time.Duration, strategy fetch.Strategy)
	RecordFailure(site string, err error, strategy fetch.Strategy)
	RecordBlock(site, reason string, strategy fetch.Strategy)
	HealthSummaryJSON(site string) ([]byte, error)
	OverallHealthJSON() ([]byte, error)
	RecentAlertsJSON(limit int) ([]byte, error)
	ProxiesJSON() ([]byte, error)
	CapabilitiesJSON() ([]byte, error)
	Breakers() []breaker.Snapshot
	ResetBreaker(site string) bool
	Cascade(site string) []fetch.Strategy
	Sites() *fetch.Sites
	QueueStats() scheduler.Stats
}

// WorkerStatuses reports what each site worker is doing.
type WorkerStatuses interface {
	Statuses() []worker.Status
}

// DBClient is the database handle used for health checks
type DBClient interface {
	GetDB() *sql.DB
}

// Handler holds dependencies for API handlers
type Handler struct {
	Gateway GatewayClient
	Workers WorkerStatuses
	DB      DBClient
}

// NewHandler creates a new API handler with dependencies. workers and
// database may be nil.
func NewHandler(gw GatewayClient, workers WorkerStatuses, database DBClient) *Handler {
	return &Handler{
		Gateway: gw,
		Workers: workers,
		DB:      database,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("/v1/fetch", h.FetchHandler)
	mux.HandleFunc("/v1/outcomes", h.OutcomeHandler)
	mux.HandleFunc("/v1/health", h.SiteHealth)
	mux.HandleFunc("/v1/health/overall", h.OverallHealth)
	mux.HandleFunc("/v1/alerts", h.Alerts)
	mux.HandleFunc("/v1/proxies", h.Proxies)
	mux.HandleFunc("/v1/capabilities", h.Capabilities)
	mux.HandleFunc("/v1/sites", h.SitesHandler)
	mux.HandleFunc("/v1/queue", h.Queue)
	mux.HandleFunc("/v1/workers", h.WorkersHandler)
	mux.HandleFunc("/v1/breakers", h.BreakersHandler)
	mux.HandleFunc("/v1/breakers/", h.BreakerHandler) // For /v1/breakers/:site/reset
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, serviceName, Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB == nil || h.DB.GetDB() == nil {
		WriteUnhealthy(w, r, "postgresql", fmt.Errorf("database connection not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.DB.GetDB().PingContext(ctx); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", "")
}

// FetchRequest is the body of POST /v1/fetch.
type FetchRequest struct {
	URL          string            `json:"url"`
	Site         string            `json:"site"`
	Priority     int               `json:"priority"`
	TimeoutMS    int               `json:"timeout_ms"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	WaitSelector string            `json:"wait_selector"`
	IncludeBody  bool              `json:"include_body"`
}

// FetchResponse adds the optional body to a fetch result.
type FetchResponse struct {
	*fetch.Result
	Body string `json:"body,omitempty"`
}

func (req FetchRequest) validate() error {
	if strings.TrimSpace(req.URL) == "" {
		return errors.New("url is required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return errors.New("url must be http or https")
	}
	if strings.TrimSpace(req.Site) == "" {
		return errors.New("site is required")
	}
	if req.TimeoutMS < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	return nil
}

// FetchHandler runs a fetch through the gateway and reports the outcome.
func (h *Handler) FetchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req FetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}
	if err := req.validate(); err != nil {
		WriteErrorMessage(w, r, err.Error(), http.StatusBadRequest, ErrCodeValidation)
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > maxFetchTimeout {
		timeout = maxFetchTimeout
	}
	opts := fetch.Options{
		Method:       strings.ToUpper(req.Method),
		Headers:      req.Headers,
		WaitSelector: req.WaitSelector,
	}
	if req.Body != "" {
		opts.Body = []byte(req.Body)
	}

	logger := loggerWithRequest(r)
	res, err := h.Gateway.Fetch(r.Context(), req.URL, req.Site, req.Priority, timeout, opts)
	if err != nil {
		var circuit *fetch.CircuitOpenError
		var exhausted *fetch.StrategyExhaustedError
		switch {
		case errors.As(err, &circuit):
			WriteErrorData(w, r, err.Error(), http.StatusServiceUnavailable, ErrCodeCircuitOpen, map[string]any{
				"worker":    circuit.Worker,
				"errors":    circuit.Errors,
				"opened_at": circuit.OpenedAt,
			})
		case errors.As(err, &exhausted):
			if res != nil {
				res.Body = nil
			}
			if secs := int(exhausted.Cooldown().Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			WriteErrorData(w, r, err.Error(), http.StatusBadGateway, ErrCodeStrategyExhausted, res)
		case fetch.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
			WriteErrorMessage(w, r, err.Error(), http.StatusGatewayTimeout, ErrCodeTimeout)
		default:
			InternalError(w, r, err)
		}
		return
	}

	logger.Debug().
		Str("site", res.Site).
		Str("strategy", string(res.Strategy)).
		Int("status_code", res.StatusCode).
		Dur("latency", res.Latency).
		Msg("Fetch served")

	out := FetchResponse{Result: res}
	if req.IncludeBody {
		out.Body = string(res.Body)
	}
	WriteSuccess(w, r, out, "")
}

// OutcomeRequest lets callers report what their own parsing made of a page.
type OutcomeRequest struct {
	Site      string `json:"site"`
	Outcome   string `json:"outcome"`
	LatencyMS int    `json:"latency_ms"`
	Strategy  string `json:"strategy"`
	Reason    string `json:"reason"`
}

// OutcomeHandler feeds externally observed outcomes to the health monitor.
func (h *Handler) OutcomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req OutcomeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}
	if strings.TrimSpace(req.Site) == "" {
		WriteErrorMessage(w, r, "site is required", http.StatusBadRequest, ErrCodeValidation)
		return
	}

	strategy := fetch.Strategy(req.Strategy)
	switch strings.ToLower(req.Outcome) {
	case "success":
		h.Gateway.RecordSuccess(req.Site, time.Duration(req.LatencyMS)*time.Millisecond, strategy)
	case "failure":
		reason := req.Reason
		if reason == "" {
			reason = "reported failure"
		}
		h.Gateway.RecordFailure(req.Site, errors.New(reason), strategy)
	case "block":
		h.Gateway.RecordBlock(req.Site, req.Reason, strategy)
	default:
		WriteErrorMessage(w, r, "outcome must be success, failure or block", http.StatusBadRequest, ErrCodeValidation)
		return
	}

	WriteAccepted(w, r, "Outcome recorded")
}

// SiteHealth returns one site's summary, or every site when none is named.
func (h *Handler) SiteHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	raw, err := h.Gateway.HealthSummaryJSON(r.URL.Query().Get("site"))
	WriteRawSuccess(w, r, raw, err)
}

// OverallHealth returns the cross-site health rollup.
func (h *Handler) OverallHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	raw, err := h.Gateway.OverallHealthJSON()
	WriteRawSuccess(w, r, raw, err)
}

// Alerts returns the most recent alerts, newest last.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			BadRequest(w, r, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	raw, err := h.Gateway.RecentAlertsJSON(limit)
	WriteRawSuccess(w, r, raw, err)
}

// Proxies returns the proxy pool snapshot.
func (h *Handler) Proxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	raw, err := h.Gateway.ProxiesJSON()
	WriteRawSuccess(w, r, raw, err)
}

// Capabilities returns the probed capability set.
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	raw, err := h.Gateway.CapabilitiesJSON()
	WriteRawSuccess(w, r, raw, err)
}

// SiteView pairs a site's configuration with the cascade it will get.
type SiteView struct {
	fetch.SiteConfig
	Cascade []fetch.Strategy `json:"cascade"`
}

// SitesHandler lists the site catalogue with resolved cascades.
func (h *Handler) SitesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	var configs []fetch.SiteConfig
	if sites := h.Gateway.Sites(); sites != nil {
		configs = sites.All()
	}
	views := make([]SiteView, 0, len(configs))
	for _, c := range configs {
		views = append(views, SiteView{SiteConfig: c, Cascade: h.Gateway.Cascade(c.Name)})
	}
	WriteSuccess(w, r, views, "")
}

// Queue reports queued requests per site.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteSuccess(w, r, h.Gateway.QueueStats(), "")
}

// WorkersHandler lists site worker states.
func (h *Handler) WorkersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	statuses := []worker.Status{}
	if h.Workers != nil {
		statuses = h.Workers.Statuses()
	}
	WriteSuccess(w, r, statuses, "")
}

// BreakersHandler lists every circuit breaker.
func (h *Handler) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteSuccess(w, r, h.Gateway.Breakers(), "")
}

// BreakerHandler handles /v1/breakers/:site/reset
func (h *Handler) BreakerHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/breakers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) != 2 || parts[0] == "" || parts[1] != "reset" {
		NotFound(w, r, "Endpoint not found")
		return
	}
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	site := parts[0]
	if !h.Gateway.ResetBreaker(site) {
		NotFound(w, r, fmt.Sprintf("No breaker for site %s", site))
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().Str("site", site).Msg("Circuit breaker reset via API")
	WriteSuccess(w, r, map[string]string{"site": site}, "Breaker reset")
}
