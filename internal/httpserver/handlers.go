package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/skillcoder/sideloaderd/internal/infra/pinger"
	"github.com/skillcoder/sideloaderd/internal/logic/sideloader"
)

type statusResponse struct {
	State      string             `json:"state"`
	Uptime     string             `json:"uptime"`
	StartTime  time.Time          `json:"startTime"`
	UptimeSec  float64            `json:"uptimeSeconds"`
	Sideloader *sideloader.Status `json:"sideloader_status,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.appState.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.appState.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
}

type probeLatencies struct {
	Count   int    `json:"count"`
	Median  string `json:"median"`
	Average string `json:"average"`
	P90     string `json:"p90"`
	P99     string `json:"p99"`
}

type probeResponse struct {
	Ready     bool           `json:"ready"`
	Healthy   bool           `json:"healthy"`
	LastRun   time.Time      `json:"lastRun"`
	LastError string         `json:"lastError,omitempty"`
	Success   probeLatencies `json:"success"`
	Errors    probeLatencies `json:"errors"`
}

func probeLatenciesFrom(m pinger.LatencyMetrics) probeLatencies {
	return probeLatencies{
		Count:   m.Count,
		Median:  m.Median.String(),
		Average: m.Average.String(),
		P90:     m.P90.String(),
		P99:     m.P99.String(),
	}
}

func (s *Server) handlePingers(w http.ResponseWriter, r *http.Request) {
	stats := s.appState.GetAllStats()

	response := make(map[string]probeResponse, len(stats))

	for name, st := range stats {
		probe := probeResponse{
			Ready:   st.IsReady,
			Healthy: st.IsHealthy,
			LastRun: st.LastRun,
			Success: probeLatenciesFrom(st.SuccessLatencies),
			Errors:  probeLatenciesFrom(st.ErrorLatencies),
		}

		if st.LastError != nil {
			probe.LastError = st.LastError.Error()
		}

		response[name] = probe
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to encode pingers response",
			"error", err,
		)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := s.appState.GetState()
	uptime := s.appState.GetUptime()
	startTime := s.appState.GetStartTime()

	response := statusResponse{
		State:      string(state),
		Uptime:     uptime.String(),
		StartTime:  startTime,
		UptimeSec:  uptime.Seconds(),
		Sideloader: s.status.Status(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.ErrorContext(ctx, "failed to encode status response",
			"error", err,
		)
	}
}
