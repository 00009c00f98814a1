package server

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/binsight/binsight-ai/internal/models"
)

// providerView is the external shape of one registered backend. Credentials
// never appear here; only operational state does.
type providerView struct {
	ID     string                `json:"id"`
	Kind   models.ProviderKind   `json:"kind"`
	Health models.ProviderHealth `json:"health"`
	Stats  models.ProviderStats  `json:"stats"`
}

func (s *Server) providerView(r *http.Request, id string) (providerView, error) {
	prov, err := s.factory.Provider(id)
	if err != nil {
		return providerView{}, err
	}
	health, err := s.factory.Health(r.Context(), id)
	if err != nil {
		return providerView{}, err
	}
	stats, err := s.factory.Stats(id)
	if err != nil {
		return providerView{}, err
	}
	return providerView{ID: prov.ID(), Kind: prov.Kind(), Health: health, Stats: stats}, nil
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.factory.IDs()
	sort.Strings(ids)

	views := make([]providerView, 0, len(ids))
	for _, id := range ids {
		v, err := s.providerView(r, id)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views, "total": len(views)})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	v, err := s.providerView(r, mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleProviderHealthCheck forces an immediate probe, bypassing the cached
// health state.
func (s *Server) handleProviderHealthCheck(w http.ResponseWriter, r *http.Request) {
	health, err := s.factory.ForceHealthCheck(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
