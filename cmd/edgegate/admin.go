package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/ban"
)

// banRequest is the admin API body for ban and slow operations.
type banRequest struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	BannedBy   string `json:"banned_by,omitempty"`
}

// registerAdminRoutes exposes ban/slow management under /admin. The routes
// sit behind the same pipeline as everything else, so the deployment must
// restrict /admin at the proxy layer.
func registerAdminRoutes(r *mux.Router, bans *ban.Registry, logger zerolog.Logger) {
	admin := r.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/bans", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"banned": bans.ListBanned(req.Context())})
	}).Methods("GET")

	admin.HandleFunc("/bans", func(w http.ResponseWriter, req *http.Request) {
		var body banRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Identifier == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		opts := banOptions(body)
		if err := bans.Ban(req.Context(), body.Identifier, opts...); err != nil {
			logger.Error().Err(err).Str("identifier", body.Identifier).Msg("admin ban failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ban failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
	}).Methods("POST")

	admin.HandleFunc("/bans/{identifier}", func(w http.ResponseWriter, req *http.Request) {
		identifier := mux.Vars(req)["identifier"]
		if err := bans.Unban(req.Context(), identifier); err != nil {
			logger.Error().Err(err).Str("identifier", identifier).Msg("admin unban failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unban failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
	}).Methods("DELETE")

	admin.HandleFunc("/bans/{identifier}/metadata", func(w http.ResponseWriter, req *http.Request) {
		identifier := mux.Vars(req)["identifier"]
		meta := bans.BanMetadata(req.Context(), identifier)
		if meta == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no metadata"})
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}).Methods("GET")

	admin.HandleFunc("/slow", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"slowed": bans.ListSlowed(req.Context())})
	}).Methods("GET")

	admin.HandleFunc("/slow", func(w http.ResponseWriter, req *http.Request) {
		var body banRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Identifier == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := bans.Slow(req.Context(), body.Identifier, ban.WithReason(body.Reason)); err != nil {
			logger.Error().Err(err).Str("identifier", body.Identifier).Msg("admin slow failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "slow failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "slowed"})
	}).Methods("POST")

	admin.HandleFunc("/slow/{identifier}", func(w http.ResponseWriter, req *http.Request) {
		identifier := mux.Vars(req)["identifier"]
		if err := bans.Unslow(req.Context(), identifier); err != nil {
			logger.Error().Err(err).Str("identifier", identifier).Msg("admin unslow failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unslow failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unslowed"})
	}).Methods("DELETE")

	admin.HandleFunc("/cidrs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CIDR   string `json:"cidr"`
			Reason string `json:"reason,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.CIDR == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := bans.BanCIDR(req.Context(), body.CIDR, ban.WithReason(body.Reason)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
	}).Methods("POST")
}

func banOptions(body banRequest) []ban.BanOption {
	var opts []ban.BanOption
	if body.Reason != "" {
		opts = append(opts, ban.WithReason(body.Reason))
	}
	if body.BannedBy != "" {
		opts = append(opts, ban.WithBannedBy(body.BannedBy))
	}
	if body.TTLSeconds > 0 {
		opts = append(opts, ban.WithTTL(time.Duration(body.TTLSeconds)*time.Second))
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
