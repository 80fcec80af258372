package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"alarmd/internal/alarm"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"
)

// alarmJSON is the wire form of an alarm.
type alarmJSON struct {
	ID     string   `json:"id"`
	Time   string   `json:"time"`
	Days   []string `json:"days"`
	Active bool     `json:"active"`
	Label  string   `json:"label,omitempty"`
	Repeat bool     `json:"repeat"`
}

func toWire(a alarm.Alarm) alarmJSON {
	days := make([]string, 0, 7)
	for _, d := range a.Days.List() {
		days = append(days, alarm.DayTag(d))
	}
	return alarmJSON{
		ID:     a.ID,
		Time:   a.Time.String(),
		Days:   days,
		Active: a.Active,
		Label:  a.Label,
		Repeat: a.Repeat,
	}
}

func (in alarmJSON) toAlarm() (alarm.Alarm, error) {
	tod, err := alarm.ParseTimeOfDay(in.Time)
	if err != nil {
		return alarm.Alarm{}, err
	}
	days, err := alarm.ParseDays(in.Days)
	if err != nil {
		return alarm.Alarm{}, err
	}
	return alarm.Alarm{
		ID:     strings.TrimSpace(in.ID),
		Time:   tod,
		Days:   days,
		Active: in.Active,
		Label:  strings.TrimSpace(in.Label),
		Repeat: in.Repeat,
	}, nil
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Wake-permission problems
// are 403 so a client can tell "fix your environment" apart from "bad input";
// transient scheduling failures are 502.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, alarm.ErrInvalidTime),
		errors.Is(err, alarm.ErrUnknownDay),
		errors.Is(err, alarm.ErrMissingID):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, wake.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, wake.ErrSchedulingFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.Err(err))
	}
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

func (s *Service) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	alarms, err := s.store.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]alarmJSON, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, toWire(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var in alarmJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "malformed JSON body"})
		return
	}
	if strings.TrimSpace(in.ID) == "" {
		in.ID = uuid.NewString()
	}
	a, err := in.toAlarm()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := a.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	// Conditional insert; two racing POSTs for one id can't both win.
	if err := s.store.Create(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.Apply(r.Context(), a); err != nil {
		// Stored but not armed; surface the scheduling problem.
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWire(a))
}

func (s *Service) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(a))
}

func (s *Service) handleUpdateAlarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prev, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var in alarmJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "malformed JSON body"})
		return
	}
	in.ID = id
	a, err := in.toAlarm()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := a.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	// A time edit moves every key; tear down under the old time first so the
	// old keys can't linger.
	if prev.Time != a.Time {
		disarm := prev
		disarm.Active = false
		if err := s.sched.Apply(r.Context(), disarm); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.store.Put(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	// An explicit edit restarts a one-shot: fired weekdays arm again.
	s.sched.ResetFired(r.Context(), a.ID)
	if err := s.sched.Apply(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(a))
}

func (s *Service) handleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.Delete(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSetActive(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var in struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "malformed JSON body"})
		return
	}

	a.Active = in.Active
	if err := s.store.Put(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	if a.Active {
		// Re-enabling a one-shot is an explicit ask for another round.
		s.sched.ResetFired(r.Context(), a.ID)
	}
	if err := s.sched.Apply(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(a))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot(r.Context()))
}
