package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/dtc/pkg/capsules"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// multipartMemory is how much of an upload is held in memory before the
// rest spills to a temporary file
const multipartMemory = 8 << 20

// CapsuleHandlers serves the caller's capsules and their media
type CapsuleHandlers struct {
	capsules CapsuleService
	links    MediaLinkParser
}

// NewCapsuleHandlers creates the capsule handlers
func NewCapsuleHandlers(capsuleService CapsuleService, links MediaLinkParser) *CapsuleHandlers {
	return &CapsuleHandlers{capsules: capsuleService, links: links}
}

// RegisterRoutes registers the owner-scoped capsule routes
func (h *CapsuleHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/capsules", h.list).Methods(http.MethodGet)
	router.HandleFunc("/capsules", h.create).Methods(http.MethodPost)
	router.HandleFunc("/capsules/{id}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/capsules/{id}", h.update).Methods(http.MethodPut)
	router.HandleFunc("/capsules/{id}", h.delete).Methods(http.MethodDelete)
	router.HandleFunc("/capsules/{id}/media", h.addMedia).Methods(http.MethodPost)
	router.HandleFunc("/capsules/{id}/media/{media_id}", h.downloadMedia).Methods(http.MethodGet)
	router.HandleFunc("/capsules/{id}/media/{media_id}", h.removeMedia).Methods(http.MethodDelete)
}

// RegisterPublicRoutes registers the media link route used by recipients
func (h *CapsuleHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/shared/capsules/{id}/media/{media_id}", h.sharedMedia).Methods(http.MethodGet)
}

// list handles GET /capsules
func (h *CapsuleHandlers) list(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	list, err := h.capsules.List(r.Context(), caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*capsules.Capsule{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"capsules": list})
}

// create handles POST /capsules
func (h *CapsuleHandlers) create(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	var in capsules.CreateInput
	if !httputil.DecodeJSONOrError(w, r, &in) {
		return
	}
	c, err := h.capsules.Create(r.Context(), caller.UserID, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if c.Media == nil {
		c.Media = []capsules.Media{}
	}
	_ = httputil.WriteCreated(w, c)
}

// get handles GET /capsules/{id}
func (h *CapsuleHandlers) get(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	c, err := h.capsules.Get(r.Context(), caller.UserID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, c)
}

// update handles PUT /capsules/{id}
func (h *CapsuleHandlers) update(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var in capsules.UpdateInput
	if !httputil.DecodeJSONOrError(w, r, &in) {
		return
	}
	c, err := h.capsules.Update(r.Context(), caller.UserID, id, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, c)
}

// delete handles DELETE /capsules/{id}
func (h *CapsuleHandlers) delete(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.capsules.Delete(r.Context(), caller.UserID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// addMedia handles POST /capsules/{id}/media with a multipart "file" field
func (h *CapsuleHandlers) addMedia(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeServiceError(w, r, capsules.ErrUploadTooLarge)
			return
		}
		httputil.WriteBadRequest(w, "expected a multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteBadRequest(w, "missing file field")
		return
	}
	defer file.Close()

	contentType, err := detectContentType(file, header)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	m, err := h.capsules.AddMedia(r.Context(), caller.UserID, id, capsules.Upload{
		FileName:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, m)
}

// detectContentType trusts a specific declared type and sniffs the content
// otherwise. The file is rewound afterwards.
func detectContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	declared := header.Header.Get("Content-Type")
	if declared != "" && declared != "application/octet-stream" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return mediaType, nil
		}
	}
	detected, err := mimetype.DetectReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind upload: %w", err)
	}
	return detected.String(), nil
}

// downloadMedia handles GET /capsules/{id}/media/{media_id}
func (h *CapsuleHandlers) downloadMedia(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	mediaID, ok := httputil.PathInt64OrError(w, r, "media_id")
	if !ok {
		return
	}

	m, body, err := h.capsules.OpenMedia(r.Context(), caller.UserID, id, mediaID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	streamMedia(w, r, m, body)
}

// removeMedia handles DELETE /capsules/{id}/media/{media_id}
func (h *CapsuleHandlers) removeMedia(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	mediaID, ok := httputil.PathInt64OrError(w, r, "media_id")
	if !ok {
		return
	}
	if err := h.capsules.RemoveMedia(r.Context(), caller.UserID, id, mediaID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// sharedMedia handles GET /shared/capsules/{id}/media/{media_id}?token=,
// the link emailed to the recipient of a delivered capsule
func (h *CapsuleHandlers) sharedMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	mediaID, ok := httputil.PathInt64OrError(w, r, "media_id")
	if !ok {
		return
	}

	claims, err := h.links.ParseMediaLink(r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid or expired media link")
		return
	}
	if claims.CapsuleID != id || claims.MediaID != mediaID {
		httputil.WriteForbidden(w, "media link does not match this file")
		return
	}

	m, body, err := h.capsules.OpenDeliveredMedia(r.Context(), id, mediaID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	streamMedia(w, r, m, body)
}

func streamMedia(w http.ResponseWriter, r *http.Request, m *capsules.Media, body io.ReadCloser) {
	defer body.Close()

	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(m.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": m.FileName}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("media_id", m.ID).Warn("Media download interrupted")
	}
}
