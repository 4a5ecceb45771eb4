package handlers

import (
	"net/http"
	"strconv"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
)

// defaultLogLimit is the page size of /changes and /exports
const defaultLogLimit = 100

// ToolsHandler serves lookups, the change and export logs, and statistics
type ToolsHandler struct {
	index           *index.Index
	caseSensitivePN bool
	findLimit       int
}

func NewToolsHandler(idx *index.Index, caseSensitivePN bool, findLimit int) *ToolsHandler {
	return &ToolsHandler{index: idx, caseSensitivePN: caseSensitivePN, findLimit: findLimit}
}

type findRequest struct {
	Level         string            `json:"Level"`
	Query         map[string]string `json:"Query"`
	Expand        bool              `json:"Expand"`
	CaseSensitive *bool             `json:"CaseSensitive"`
	Since         int               `json:"Since"`
	Limit         int               `json:"Limit"`
}

var personNameTags = map[models.DicomTag]bool{
	models.TagPatientName:            true,
	models.TagReferringPhysicianName: true,
	models.TagRequestingPhysician:    true,
}

type findAnswer struct {
	ID            string            `json:"ID"`
	Type          string            `json:"Type"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
}

// Find runs a lookup. Person names follow CaseSensitive, identifiers are
// matched on their normalized form and every other value exactly.
func (h *ToolsHandler) Find(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	level, err := models.ParseResourceType(req.Level)
	if err != nil {
		writeError(w, r, errcode.Wrap(errcode.BadRequest, err, "invalid Level"))
		return
	}
	if req.Since < 0 || req.Limit < 0 {
		writeError(w, r, errcode.New(errcode.ParameterOutOfRange, "Since and Limit must be non-negative"))
		return
	}

	caseSensitivePN := h.caseSensitivePN
	if req.CaseSensitive != nil {
		caseSensitivePN = *req.CaseSensitive
	}

	lookup := index.Lookup{Level: level, Since: req.Since, Limit: req.Limit}
	if lookup.Limit == 0 || (h.findLimit > 0 && lookup.Limit > h.findLimit) {
		lookup.Limit = h.findLimit
	}
	for key, value := range req.Query {
		tag, err := models.ParseDicomTag(key)
		if err != nil {
			writeError(w, r, errcode.Wrap(errcode.BadRequest, err, "invalid query tag"))
			return
		}
		if value == "" || value == "*" {
			// Universal matching
			continue
		}
		tagLevel, ok := models.MainDicomTagLevel(tag)
		if !ok {
			tagLevel = level
		}
		caseSensitive := true
		switch {
		case personNameTags[tag]:
			caseSensitive = caseSensitivePN
		case models.IsIdentifierTag(tag, tagLevel):
			// Identifiers are stored normalized
			caseSensitive = false
		}
		c, err := index.NewConstraint(tagLevel, tag, value, caseSensitive, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		lookup.Constraints = append(lookup.Constraints, c)
	}

	ids := []string{}
	answers := []findAnswer{}
	complete, err := h.index.ApplyLookup(r.Context(), lookup, func(a index.LookupAnswer) error {
		if req.Expand {
			answers = append(answers, findAnswer{
				ID:            a.PublicID,
				Type:          a.Level.String(),
				MainDicomTags: a.Tags.ExtractLevel(a.Level).Simplify(),
			})
		} else {
			ids = append(ids, a.PublicID)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !complete {
		w.Header().Set("X-Find-Incomplete", "true")
	}
	if req.Expand {
		writeJSON(w, http.StatusOK, answers)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// GenerateUID returns a fresh DICOM UID for the requested level
func (h *ToolsHandler) GenerateUID(w http.ResponseWriter, r *http.Request) {
	level, err := models.ParseResourceType(r.URL.Query().Get("level"))
	if err != nil || level == models.ResourcePatient {
		writeError(w, r, errcode.New(errcode.ParameterOutOfRange, "level must be study, series or instance"))
		return
	}
	writeText(w, http.StatusOK, toolbox.GenerateDicomUID())
}

// Changes pages through the change log, or returns the last change with ?last
func (h *ToolsHandler) Changes(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("last") {
		page, err := h.index.GetLastChange(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}
	since, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.index.GetChanges(r.Context(), since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Changes == nil {
		page.Changes = []models.Change{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *ToolsHandler) ClearChanges(w http.ResponseWriter, r *http.Request) {
	if err := h.index.ClearChanges(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ToolsHandler) Exports(w http.ResponseWriter, r *http.Request) {
	since, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.index.GetExports(r.Context(), since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Exports == nil {
		page.Exports = []models.ExportedResource{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *ToolsHandler) ClearExports(w http.ResponseWriter, r *http.Request) {
	if err := h.index.ClearExports(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *ToolsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.index.Statistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func pageParams(r *http.Request) (int64, int, error) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errcode.New(errcode.BadParameterType, "since must be a non-negative integer")
		}
		since = n
	}
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		return 0, 0, err
	}
	return since, limit, nil
}
