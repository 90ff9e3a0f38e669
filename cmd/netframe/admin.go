package main

import (
	"net/http"

	"github.com/Zereker/netframe"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// clientInfo is one entry of the /clients listing.
type clientInfo struct {
	ID   int    `json:"id"`
	Addr string `json:"addr"`
}

// adminRouter serves Prometheus metrics and the list of open connections.
func adminRouter(server *netframe.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/clients", func(w http.ResponseWriter, req *http.Request) {
		ids := server.Clients()
		clients := make([]clientInfo, 0, len(ids))
		for _, id := range ids {
			addr, ok := server.ClientAddress(id)
			if !ok {
				continue
			}
			clients = append(clients, clientInfo{ID: id, Addr: addr.String()})
		}

		data, err := json.Marshal(clients)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})

	return r
}
