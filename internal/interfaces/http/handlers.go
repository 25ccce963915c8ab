package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/models"
	"github.com/sawpanic/reservoir/internal/quality"
)

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type quotesResponse struct {
	Quotes map[string]models.Quote `json:"quotes"`
	Count  int                     `json:"count"`
}

type subscriptionRequest struct {
	RICs []string `json:"rics"`
}

type issuesResponse struct {
	Issues []quality.IssueRecord `json:"issues"`
	Count  int                   `json:"count"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

// writeServiceError maps a classified service error onto its HTTP
// status and the shared error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := models.HTTPStatus(err)
	code := string(models.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	s.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     http.StatusText(http.StatusBadRequest),
		Message:   message,
		Code:      string(models.CodeInvalidArgument),
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// splitRICs parses the comma-separated rics query value.
func splitRICs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	rics := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rics = append(rics, p)
		}
	}
	return rics
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	rics := splitRICs(r.URL.Query().Get("rics"))
	if len(rics) == 0 {
		s.writeBadRequest(w, r, "rics query parameter is required")
		return
	}
	quotes, err := s.deps.API.GetLatest(r.Context(), rics)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quotesResponse{Quotes: quotes, Count: len(quotes)})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, r, "request body must be JSON with a rics array")
		return
	}
	res, err := s.deps.API.Subscribe(r.Context(), req.RICs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, r, "request body must be JSON with a rics array")
		return
	}
	res, err := s.deps.API.Unsubscribe(r.Context(), req.RICs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubscribed(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.API.Subscribed(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQualityScore(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Quality.Score(r.URL.Query().Get("ric"))
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleQualityIssues(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			s.writeBadRequest(w, r, "hours must be a positive integer")
			return
		}
		hours = h
	}
	recs := s.deps.Quality.Issues(r.URL.Query().Get("ric"), time.Duration(hours)*time.Hour)
	if recs == nil {
		recs = []quality.IssueRecord{}
	}
	s.writeJSON(w, http.StatusOK, issuesResponse{Issues: recs, Count: len(recs)})
}

func (s *Server) handleQualityOffenders(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	offenders := s.deps.Quality.TopOffenders(limit)
	if offenders == nil {
		offenders = []quality.OffenderCount{}
	}
	s.writeJSON(w, http.StatusOK, offenders)
}

func (s *Server) handleQualityBreakdown(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Quality.Breakdown())
}

// handleQualityHealth is the probe form of the score: 200 when the
// windowed score clears the configured floor, 503 otherwise.
func (s *Server) handleQualityHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Quality.Score("")
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, rep)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Stats())
}

type systemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

type healthResponse struct {
	Status       string     `json:"status"`
	Timestamp    time.Time  `json:"timestamp"`
	Uptime       string     `json:"uptime"`
	Feed         string     `json:"feed"`
	QualityScore float64    `json:"quality_score"`
	System       systemInfo `json:"system"`
}

// handleHealth reports overall service health: unhealthy while the
// feed is not RUNNING, degraded while data quality is below the floor.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Stats()
	rep := s.deps.Quality.Score("")

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case stats.Feed.State != "RUNNING":
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case !rep.Healthy:
		status = "degraded"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.writeJSON(w, httpStatus, healthResponse{
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Feed:         stats.Feed.State,
		QualityScore: rep.Score,
		System: systemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{
		Error:     http.StatusText(http.StatusNotFound),
		Message:   "the requested endpoint does not exist",
		Code:      "ENDPOINT_NOT_FOUND",
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
