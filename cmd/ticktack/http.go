package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"ticktack/pkg/directory"
	"ticktack/pkg/game"
	"ticktack/pkg/ingress"
	"ticktack/pkg/journal"
	"ticktack/pkg/session"

	"github.com/rs/zerolog/log"
)

type SessionInfo struct {
	Session string `json:"session"`
	Entry   string `json:"entry"`
	Ruleset string `json:"ruleset"`
	Tick    uint64 `json:"tick"`
	Sealed  bool   `json:"sealed"`
	Members int    `json:"members"`
	Vacant  string `json:"vacant,omitempty"`
}

func describe(sess *session.Server) SessionInfo {
	info := SessionInfo{
		Session: sess.ID(),
		Entry:   sess.Entry(),
		Ruleset: sess.Rules().Name(),
		Tick:    sess.Tick(),
		Sealed:  sess.Registry().Sealed(),
		Members: sess.Registry().Count(),
	}
	if vacant := sess.Registry().Vacant(); vacant != game.RoleNone {
		info.Vacant = vacant.String()
	}
	return info
}

type StatusResponse struct {
	Connections int           `json:"connections"`
	Sessions    []SessionInfo `json:"sessions"`
}

func statusHandler(dir *directory.Directory, ws *ingress.WSIngress) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := StatusResponse{
			Connections: ws.Count(),
			Sessions:    []SessionInfo{},
		}
		for _, sess := range dir.Sessions() {
			response.Sessions = append(response.Sessions, describe(sess))
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Error().Err(err).Msg("could not encode status")
		}
	})
}

func createHandler(dir *directory.Directory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := r.PathValue("entry")
		sess, err := dir.Create(entry)
		if errors.Is(err, directory.ErrEntryRace) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(describe(sess))
	})
}

func matchesHandler(archive *journal.Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matches, err := archive.Matches(50)
		if errors.Is(err, journal.ErrNoArchive) {
			http.Error(w, "no archive configured", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(matches)
	})
}
