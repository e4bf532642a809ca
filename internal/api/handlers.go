package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/records"
	"exchange-risk-ledger/internal/stats"
	"exchange-risk-ledger/internal/workflow"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 16
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeFailure maps domain errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNoSession):
		writeError(w, http.StatusConflict, "no_session", err.Error())
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workflow.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, "invalid_submission", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "ledger_error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Controller.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"session":  view.Session,
		"records":  len(view.Records),
		"loadedAt": view.LoadedAt,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs := s.deps.Controller.View().Records
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Controller.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type summaryBody struct {
	stats.Summary
	AverageRiskDisplay string `json:"averageRiskDisplay"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum := s.deps.Controller.View().Summary
	writeJSON(w, http.StatusOK, summaryBody{Summary: sum, AverageRiskDisplay: sum.AverageRiskDecimal().StringFixed(2)})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	trend := s.deps.Controller.View().Summary.Trend
	if trend == nil {
		trend = stats.Trend{}
	}
	writeJSON(w, http.StatusOK, trend)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

type eventBody struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	Phase      string    `json:"phase"`
	Message    string    `json:"message"`
	RecordID   string    `json:"recordId,omitempty"`
	RecordName string    `json:"recordName,omitempty"`
	RiskScore  int       `json:"riskScore,omitempty"`
	Liquidity  string    `json:"liquidity"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_disabled", "event journal is not configured")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	rows, err := s.deps.Events.ListRecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list events failed")
		writeError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	out := make([]eventBody, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventBody{
			ID:         row.ID,
			Action:     row.Action,
			Phase:      row.Phase,
			Message:    row.Message,
			RecordID:   row.RecordID,
			RecordName: row.RecordName,
			RiskScore:  row.RiskScore,
			Liquidity:  row.Liquidity.String(),
			OccurredAt: row.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createBody struct {
	Name      string          `json:"name"`
	Liquidity decimal.Decimal `json:"liquidity"`
	RiskScore int             `json:"riskScore"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	liquidity, _ := body.Liquidity.Float64()
	rec, err := s.deps.Controller.Create(r.Context(), workflow.Submission{
		Name:      body.Name,
		Liquidity: liquidity,
		RiskScore: body.RiskScore,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Controller.Verify(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Controller.Reject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Controller.Refresh(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
