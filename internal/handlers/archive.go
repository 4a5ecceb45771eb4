package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-store/internal/archive"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/services"
)

// ArchiveHandler builds ZIP archives and DICOM media of resources
type ArchiveHandler struct {
	store   *services.InstanceService
	engine  *jobs.Engine
	tempDir string
}

func NewArchiveHandler(store *services.InstanceService, engine *jobs.Engine, tempDir string) *ArchiveHandler {
	return &ArchiveHandler{store: store, engine: engine, tempDir: tempDir}
}

type archiveRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
	Priority    int      `json:"Priority"`
}

func (h *ArchiveHandler) newJob(r *http.Request, resources []string, media bool) (*archive.Job, error) {
	if len(resources) == 0 {
		return nil, errcode.New(errcode.BadRequest, "no resource to archive")
	}
	job := archive.NewJob(h.store.Index(), h.store.Files(), media)
	job.SetTempDir(h.tempDir)
	for _, id := range resources {
		if err := job.AddResource(r.Context(), id); err != nil {
			return nil, err
		}
	}
	if len(resources) == 1 {
		job.SetFilename(resources[0] + ".zip")
	}
	return job, nil
}

// run submits the job and either streams the ZIP once it is ready or
// answers with the job id
func (h *ArchiveHandler) run(w http.ResponseWriter, r *http.Request, job *archive.Job, synchronous bool, priority int) {
	if !synchronous {
		id := h.engine.Submit(job, priority)
		writeJSON(w, http.StatusOK, submitted(id))
		return
	}

	job.SetSynchronousTarget(r.Context())
	defer job.Dispose()
	if _, err := h.engine.SubmitAndWait(r.Context(), job, priority); err != nil {
		writeError(w, r, err)
		return
	}
	out, ok := job.Output(archive.OutputKey)
	if !ok {
		writeError(w, r, errcode.New(errcode.InternalError, "archive job produced no output"))
		return
	}
	if err := sendFile(w, out); err != nil {
		writeError(w, r, err)
	}
}

// checkLevel rejects ids that do not name a resource of the URL level
func (h *ArchiveHandler) checkLevel(r *http.Request, level models.ResourceType, id string) error {
	return h.store.Index().Apply(r.Context(), func(tx *index.Tx) error {
		_, err := tx.Resolve(id, level)
		return err
	})
}

// isMedia tells .../media and /tools/create-media from the plain archives
func isMedia(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "media")
}

// GetResourceArchive streams the archive of one resource
func (h *ArchiveHandler) GetResourceArchive(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.checkLevel(r, level, id); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.newJob(r, []string{id}, isMedia(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	job.SetDescription("REST API: " + resourcePath(level, id))
	h.run(w, r, job, true, 0)
}

// PostResourceArchive creates the archive of one resource, asynchronously
// unless the body asks otherwise
func (h *ArchiveHandler) PostResourceArchive(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.checkLevel(r, level, id); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.newJob(r, []string{id}, isMedia(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	job.SetDescription("REST API: " + resourcePath(level, id))
	h.run(w, r, job, req.Synchronous, req.Priority)
}

// CreateArchive archives a set of resources given by public id
func (h *ArchiveHandler) CreateArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := h.newJob(r, req.Resources, isMedia(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	job.SetDescription("REST API: create archive")
	h.run(w, r, job, req.Synchronous, req.Priority)
}
