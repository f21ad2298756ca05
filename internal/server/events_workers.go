//go:build js && wasm

package server

import "net/http"

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{
		"error": "event streaming is not supported in js/wasm builds",
	})
}
