package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/karmada-io/karmada-terminal/internal/shell"
)

type sessionData struct {
	ID string `json:"id"`
}

type sessionResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    sessionData `json:"data"`
}

// Session reserves a terminal session for the namespace/pod/container in
// the path.
func Session(reg *shell.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := shell.Target{
			Namespace: chi.URLParam(r, "namespace"),
			Pod:       chi.URLParam(r, "pod"),
			Container: chi.URLParam(r, "container"),
		}
		if t.Namespace == "" || t.Pod == "" || t.Container == "" {
			writeJSON(w, http.StatusBadRequest, sessionResponse{
				Code:    http.StatusBadRequest,
				Message: "namespace, pod and container are required",
			})
			return
		}

		id := reg.Reserve(t)
		log.Info().Str("session_id", id).Str("target", t.String()).Msg("handlers: session reserved")
		writeJSON(w, http.StatusOK, sessionResponse{
			Code:    http.StatusOK,
			Message: "success",
			Data:    sessionData{ID: id},
		})
	}
}
