package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/middleware"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/rs/zerolog/log"
)

// ResourceHandler serves ingestion and the Patient/Study/Series/Instance tree
type ResourceHandler struct {
	store *services.InstanceService
}

func NewResourceHandler(store *services.InstanceService) *ResourceHandler {
	return &ResourceHandler{store: store}
}

type storeFailure struct {
	ID        string `json:"ID,omitempty"`
	Status    string `json:"Status"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// UploadInstance ingests the DICOM file in the request body
func (h *ResourceHandler) UploadInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, errcode.Wrap(errcode.BadRequest, err, "cannot read request body"))
		return
	}

	instance, err := parser.Parse(data)
	if err != nil {
		writeStoreFailure(w, "", err)
		return
	}
	if origin, ok := middleware.GetOrigin(ctx); ok {
		instance.Origin = origin
	}

	result, err := h.store.Store(ctx, instance)
	if err != nil {
		log.Warn().Err(err).Str("instance", result.PublicID).Msg("Failed to store instance")
		writeStoreFailure(w, result.PublicID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeStoreFailure(w http.ResponseWriter, publicID string, err error) {
	code := errcode.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), storeFailure{
		ID:        publicID,
		Status:    models.StoreFailure.String(),
		ErrorCode: int(code),
		Message:   err.Error(),
	})
}

// ListResources lists the public ids of a level, or their documents with ?expand
func (h *ResourceHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids, err := h.store.Index().ListResources(ctx, level, since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !queryBool(r, "expand") {
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, ids)
		return
	}

	docs := make([]*index.ResourceDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := h.store.Index().Describe(ctx, level, id)
		if errcode.Is(err, errcode.UnknownResource) {
			// Deleted since the listing
			continue
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetResource returns the document of a resource
func (h *ResourceHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.store.Index().Describe(r.Context(), level, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type remainingAncestor struct {
	ID   string              `json:"ID"`
	Path string              `json:"Path"`
	Type models.ResourceType `json:"Type"`
}

// DeleteResource deletes a resource and its descendants
func (h *ResourceHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.store.Delete(r.Context(), level, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var ancestor *remainingAncestor
	if ref := result.RemainingAncestor; ref != nil {
		ancestor = &remainingAncestor{ID: ref.PublicID, Path: resourcePath(ref.Level, ref.PublicID), Type: ref.Level}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"RemainingAncestor": ancestor})
}

// InstanceFile streams the DICOM file of an instance
func (h *ResourceHandler) InstanceFile(w http.ResponseWriter, r *http.Request) {
	info, revision, err := h.store.Attachment(r.Context(), models.ResourceInstance, chi.URLParam(r, "id"), models.ContentDicom)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
	if err := h.store.Files().AnswerFile(w, r, info, "application/dicom"); err != nil {
		writeError(w, r, err)
	}
}

// InstanceTags returns the DICOM-as-JSON of an instance
func (h *ResourceHandler) InstanceTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	parsed, err := h.store.Parsed(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if queryBool(r, "simplify") {
		writeJSON(w, http.StatusOK, parsed.Summary.Simplify())
		return
	}
	data, err := parsed.JSONBytes()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func metadataParam(r *http.Request) (models.MetadataType, error) {
	m, err := models.ParseMetadataType(chi.URLParam(r, "name"))
	if err != nil {
		return 0, errcode.Wrap(errcode.UnknownResource, err, "")
	}
	return m, nil
}

func contentTypeParam(r *http.Request) (models.FileContentType, error) {
	ct, err := models.ParseFileContentType(chi.URLParam(r, "name"))
	if err != nil {
		return 0, errcode.Wrap(errcode.UnknownResource, err, "")
	}
	return ct, nil
}

// ListMetadata returns the metadata of a resource
func (h *ResourceHandler) ListMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	values, err := h.store.ListMetadata(r.Context(), level, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if queryBool(r, "expand") {
		writeJSON(w, http.StatusOK, values)
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, sortedStrings(names))
}

func (h *ResourceHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := metadataParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	value, err := h.store.Metadata(r.Context(), level, chi.URLParam(r, "id"), m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, value)
}

func (h *ResourceHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := metadataParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SetMetadata(r.Context(), level, chi.URLParam(r, "id"), m, string(body)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ResourceHandler) DeleteMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := metadataParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeleteMetadata(r.Context(), level, chi.URLParam(r, "id"), m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ResourceHandler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	names, err := h.store.ListAttachments(r.Context(), level, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// AttachmentData streams an attachment, honoring Range and gzip
func (h *ResourceHandler) AttachmentData(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct, err := contentTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, revision, err := h.store.Attachment(r.Context(), level, chi.URLParam(r, "id"), ct)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
	if err := h.store.Files().AnswerFile(w, r, info, ""); err != nil {
		writeError(w, r, err)
	}
}

// PutAttachment stores a user-defined attachment. If-Match carries the
// revision the client expects to replace.
func (h *ResourceHandler) PutAttachment(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct, err := contentTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	expected := int64(-1)
	if match := strings.Trim(r.Header.Get("If-Match"), `"`); match != "" {
		expected, err = strconv.ParseInt(match, 10, 64)
		if err != nil {
			writeError(w, r, errcode.New(errcode.BadParameterType, "If-Match must carry a revision number"))
			return
		}
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, errcode.Wrap(errcode.BadRequest, err, "cannot read request body"))
		return
	}
	revision, err := h.store.PutAttachment(r.Context(), level, chi.URLParam(r, "id"), ct, data, expected)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ResourceHandler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct, err := contentTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeleteAttachment(r.Context(), level, chi.URLParam(r, "id"), ct); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ResourceHandler) VerifyMD5(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct, err := contentTypeParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.VerifyMD5(r.Context(), level, chi.URLParam(r, "id"), ct); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// GetProtected answers "1" for protected patients and "0" otherwise
func (h *ResourceHandler) GetProtected(w http.ResponseWriter, r *http.Request) {
	protected, err := h.store.Index().IsProtected(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if protected {
		writeText(w, http.StatusOK, "1")
	} else {
		writeText(w, http.StatusOK, "0")
	}
}

func (h *ResourceHandler) PutProtected(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var protected bool
	switch strings.TrimSpace(string(body)) {
	case "1", "true":
		protected = true
	case "0", "false":
	default:
		writeError(w, r, errcode.New(errcode.BadRequest, `protection must be "0" or "1"`))
		return
	}
	if err := h.store.Index().SetProtected(r.Context(), chi.URLParam(r, "id"), protected); err != nil {
		writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "")
}
