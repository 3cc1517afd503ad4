package progress

import (
	"encoding/json"
	"net/http"
)

// StatusFunc returns the JSON-encodable sync status served at /api/status
type StatusFunc func(r *http.Request) (any, error)

// RegisterRoutes mounts the event feed, a health check and the status snapshot
func RegisterRoutes(mux *http.ServeMux, hub *Hub, status StatusFunc) {
	mux.Handle("/ws/sync", Handler(hub))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, err := status(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	})
}
