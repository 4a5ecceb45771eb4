package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/rs/zerolog/log"
)

// PeerHandler sends stored resources to the configured peers
type PeerHandler struct {
	peers  *services.PeerService
	engine *jobs.Engine
}

func NewPeerHandler(peers *services.PeerService, engine *jobs.Engine) *PeerHandler {
	return &PeerHandler{peers: peers, engine: engine}
}

func (h *PeerHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	names := h.peers.Peers()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// TestConnection checks a peer. Unreachable peers are reported in the body
// with a 200 status.
func (h *PeerHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	status, err := h.peers.TestConnection(r.Context(), chi.URLParam(r, "name"))
	if err != nil && status == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("peer", chi.URLParam(r, "name")).Msg("Connection test failed")
	}
	writeJSON(w, http.StatusOK, status)
}

// Store sends resources to a peer through a PeerStore job
func (h *PeerHandler) Store(w http.ResponseWriter, r *http.Request) {
	var req models.PeerStoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.peers.NewStoreJob(r.Context(), chi.URLParam(r, "name"), req.Resources, req.Permissive)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !req.Synchronous {
		id := h.engine.Submit(job, req.Priority)
		writeJSON(w, http.StatusOK, submitted(id))
		return
	}
	if _, err := h.engine.SubmitAndWait(r.Context(), job, req.Priority); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Result())
}
