package db

import (
	"net/http"

	"github.com/banshee-data/campus.safety/internal/httputil"
)

const defaultListLimit = 100

func (db *DB) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := IncidentQuery{Search: r.URL.Query().Get("q")}
	var err error
	if q.Limit, err = httputil.QueryInt(r, "limit", defaultListLimit); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if q.From, err = httputil.QueryTime(r, "from"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if q.To, err = httputil.QueryTime(r, "to"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	recs, err := db.Incidents(r.Context(), q)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if recs == nil {
		recs = []IncidentRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

func (db *DB) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	stats, err := db.IncidentStats(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (db *DB) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 20)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := db.SessionRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []SessionRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (db *DB) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	profiles, err := db.Profiles(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	for i := range profiles {
		profiles[i].Embedding = nil
	}
	httputil.WriteJSON(w, http.StatusOK, profiles)
}
