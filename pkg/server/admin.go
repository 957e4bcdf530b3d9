package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/protocol"
)

// AdminHandler returns the operational HTTP surface:
//
//	GET /healthz            liveness and connection count
//	GET /metrics            Prometheus exposition
//	GET /debug/connections  live connections with transport counters
//	GET /debug/scopes       scopes with watchers and objects
//	GET /debug/protocols    the registered message table
//
// Extra routes, such as a websocket listener, can be mounted on the
// returned router.
func (s *Server) AdminHandler() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if s.isClosed() {
			status = "shutting_down"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":      status,
			"connections": s.registry.Count(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/debug", func(r chi.Router) {
		r.Get("/connections", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.Connections())
		})
		r.Get("/scopes", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.scopes.Snapshot())
		})
		r.Get("/protocols", func(w http.ResponseWriter, r *http.Request) {
			m, err := s.Mux()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, protocolTable(m))
		})
	})
	return r
}

// protocolTable lists the reserved handshake protocol followed by the
// registered application protocols.
func protocolTable(m *mux.Mux) []mux.ProtocolInfo {
	handshake := mux.ProtocolInfo{ID: protocol.ProtocolHandshake, Name: "handshake"}
	for _, schema := range protocol.Schemas() {
		if schema.Protocol != protocol.ProtocolHandshake {
			continue
		}
		handshake.Messages = append(handshake.Messages, mux.MessageInfo{ID: schema.Message, Name: schema.Name})
	}
	return append([]mux.ProtocolInfo{handshake}, m.Protocols()...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
