// Package server exposes a running stabilization loop over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/stabilizer"
)

// Loop is the control surface of a stabilization loop.
type Loop interface {
	Config() config.Config
	State() stabilizer.State
	LastRecord() (stabilizer.CycleRecord, bool)
	SetTarget(target, vmin, vmax float64) error
	Reload(resetPID bool)
}

// History returns the retained cycle records, oldest first.
type History interface {
	Records() []stabilizer.CycleRecord
}

// Server holds the collaborators behind the routes. History, Gatherer and
// Stop are optional.
type Server struct {
	Loop     Loop
	History  History
	Gatherer prometheus.Gatherer
	Stop     func()
}

// RecordT is the JSON form of a cycle record.
type RecordT struct {
	Cycle      int       `json:"cycle"`
	Time       time.Time `json:"time"`
	Current    float64   `json:"current_ma"`
	Voltage    float64   `json:"voltage_v"`
	Correction float64   `json:"correction_v"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Delta      float64   `json:"delta_v"`
}

func recordT(rec stabilizer.CycleRecord) RecordT {
	return RecordT{
		Cycle:      rec.Cycle,
		Time:       rec.Time,
		Current:    rec.Current,
		Voltage:    rec.Voltage,
		Correction: rec.Correction,
		Outcome:    rec.Outcome.Kind.String(),
		Reason:     rec.Outcome.Reason,
		Delta:      rec.Outcome.Delta,
	}
}

// StatusT is the response of GET /status.
type StatusT struct {
	State  string   `json:"state"`
	Target float64  `json:"target_current_ma"`
	Last   *RecordT `json:"last,omitempty"`
}

// TargetT is the body of POST /target. Zero limits keep the current ones.
type TargetT struct {
	Target float64 `json:"target_current_ma"`
	VMin   float64 `json:"voltage_min"`
	VMax   float64 `json:"voltage_max"`
}

// ReloadT is the body of POST /reload.
type ReloadT struct {
	ResetPID bool `json:"reset_pid"`
}

// Router builds the chi router serving the loop.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.status)
	r.Get("/config", s.config)
	r.Get("/history", s.history)
	r.Post("/target", s.target)
	r.Post("/reload", s.reload)
	r.Post("/stop", s.stop)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func encodeAndRespond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := StatusT{
		State:  s.Loop.State().String(),
		Target: s.Loop.Config().TargetCurrent,
	}
	if rec, ok := s.Loop.LastRecord(); ok {
		t := recordT(rec)
		st.Last = &t
	}
	encodeAndRespond(w, st)
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	encodeAndRespond(w, s.Loop.Config())
}

// history serves the retained records; ?n= limits it to the most recent n.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		http.Error(w, "history is not recorded", http.StatusNotFound)
		return
	}
	recs := s.History.Records()
	if n := r.URL.Query().Get("n"); n != "" {
		limit, err := strconv.Atoi(n)
		if err != nil || limit < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(recs) {
			recs = recs[len(recs)-limit:]
		}
	}
	out := make([]RecordT, len(recs))
	for i, rec := range recs {
		out[i] = recordT(rec)
	}
	encodeAndRespond(w, out)
}

func (s *Server) target(w http.ResponseWriter, r *http.Request) {
	var in TargetT
	err := json.NewDecoder(r.Body).Decode(&in)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Loop.SetTarget(in.Target, in.VMin, in.VMax); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, stabilizer.ErrConfigInvalid) {
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), code)
		return
	}
	encodeAndRespond(w, s.Loop.Config())
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	var in ReloadT
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&in)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.Loop.Reload(in.ResetPID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if s.Stop == nil {
		http.Error(w, "stop is not available", http.StatusNotImplemented)
		return
	}
	s.Stop()
	w.WriteHeader(http.StatusOK)
}
