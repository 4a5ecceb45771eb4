package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/middleware"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// RouterConfig carries everything the REST API is served from
type RouterConfig struct {
	DB    *gorm.DB
	Store *services.InstanceService
	Jobs  *jobs.Engine
	Peers *services.PeerService

	ArchiveTempDir   string
	CaseSensitivePN  bool
	LimitFindResults int
	Metrics          bool
	CORS             cors.Options
}

// NewRouter builds the REST API
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.DB, cfg.Jobs)
	resourceHandler := NewResourceHandler(cfg.Store)
	toolsHandler := NewToolsHandler(cfg.Store.Index(), cfg.CaseSensitivePN, cfg.LimitFindResults)
	jobsHandler := NewJobsHandler(cfg.Jobs)
	archiveHandler := NewArchiveHandler(cfg.Store, cfg.Jobs, cfg.ArchiveTempDir)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))
	r.Use(cors.Handler(cfg.CORS))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestOrigin)

		for level := models.ResourcePatient; level <= models.ResourceInstance; level++ {
			r.With(withLevel(level)).Route("/"+level.Plural(), func(r chi.Router) {
				r.Get("/", resourceHandler.ListResources)
				if level == models.ResourceInstance {
					r.Post("/", resourceHandler.UploadInstance)
				}
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", resourceHandler.GetResource)
					r.Delete("/", resourceHandler.DeleteResource)

					r.Get("/metadata", resourceHandler.ListMetadata)
					r.Get("/metadata/{name}", resourceHandler.GetMetadata)
					r.Put("/metadata/{name}", resourceHandler.PutMetadata)
					r.Delete("/metadata/{name}", resourceHandler.DeleteMetadata)

					r.Get("/attachments", resourceHandler.ListAttachments)
					r.Put("/attachments/{name}", resourceHandler.PutAttachment)
					r.Delete("/attachments/{name}", resourceHandler.DeleteAttachment)
					r.Get("/attachments/{name}/data", resourceHandler.AttachmentData)
					r.Post("/attachments/{name}/verify-md5", resourceHandler.VerifyMD5)

					r.Get("/archive", archiveHandler.GetResourceArchive)
					r.Post("/archive", archiveHandler.PostResourceArchive)
					r.Get("/media", archiveHandler.GetResourceArchive)
					r.Post("/media", archiveHandler.PostResourceArchive)

					switch level {
					case models.ResourcePatient:
						r.Get("/protected", resourceHandler.GetProtected)
						r.Put("/protected", resourceHandler.PutProtected)
					case models.ResourceInstance:
						r.Get("/file", resourceHandler.InstanceFile)
						r.Get("/tags", resourceHandler.InstanceTags)
					}
				})
			})
		}

		r.Route("/tools", func(r chi.Router) {
			r.Post("/find", toolsHandler.Find)
			r.Post("/generate-uid", toolsHandler.GenerateUID)
			r.Get("/generate-uid", toolsHandler.GenerateUID)
			r.Post("/create-archive", archiveHandler.CreateArchive)
			r.Post("/create-media", archiveHandler.CreateArchive)
		})

		r.Get("/changes", toolsHandler.Changes)
		r.Delete("/changes", toolsHandler.ClearChanges)
		r.Get("/exports", toolsHandler.Exports)
		r.Delete("/exports", toolsHandler.ClearExports)
		r.Get("/statistics", toolsHandler.Statistics)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobsHandler.ListJobs)
			r.Get("/{id}", jobsHandler.GetJob)
			r.Get("/{id}/archive", jobsHandler.ArchiveOutput)
			r.Put("/{id}/priority", jobsHandler.SetPriority)
			r.Post("/{id}/{action}", jobsHandler.Control)
		})

		if cfg.Peers != nil {
			peerHandler := NewPeerHandler(cfg.Peers, cfg.Jobs)
			r.Route("/peers", func(r chi.Router) {
				r.Get("/", peerHandler.ListPeers)
				r.Post("/{name}/echo", peerHandler.TestConnection)
				r.Post("/{name}/store", peerHandler.Store)
			})
		}
	})

	return r
}
