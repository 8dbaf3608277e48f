package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"soundslice/core/delivery"
	"soundslice/core/excerpt"
	"soundslice/logger"
	"soundslice/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// trackView 对外展示的音轨信息
type trackView struct {
	*model.Track
	FileURL string `json:"fileUrl"`
}

func newTrackView(t *model.Track) trackView {
	return trackView{Track: t, FileURL: "/api/tracks/" + t.ID + "/file"}
}

// uploadContentType 优先使用表单声明的类型，否则按扩展名推断
func uploadContentType(declared, filename string) string {
	if ct, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(ct, "audio/") {
		return ct
	}
	return excerpt.ContentTypeOf(filename)
}

// UploadTrackHandler handles audio file uploads and metadata.
// Expected multipart form fields:
// - file: the audio file (WAV, MP3, etc.)
// - title: track title
// - artist, genre: optional
// - visibility: public (default) or private
// - basePrice: integer minor units (optional)
func (h *APIHandler) UploadTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil { // 32MB max memory
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing 'file' in form")
		return
	}
	defer file.Close()

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "Missing 'title' in form")
		return
	}

	visibility := strings.ToLower(strings.TrimSpace(r.FormValue("visibility")))
	switch visibility {
	case "":
		visibility = model.TrackVisibilityPublic
	case model.TrackVisibilityPublic, model.TrackVisibilityPrivate:
	default:
		writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	basePrice := model.DefaultBasePriceMinorUnits
	if raw := strings.TrimSpace(r.FormValue("basePrice")); raw != "" {
		basePrice, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || basePrice < 0 {
			writeError(w, http.StatusBadRequest, "basePrice must be a non-negative integer")
			return
		}
	}

	contentType := uploadContentType(header.Header.Get("Content-Type"), header.Filename)
	ext := excerpt.ExtensionFor(contentType)
	if ext == "" {
		ext = filepath.Ext(header.Filename)
	}

	// 先落盘再探测时长，探测失败的文件不入库
	tmp, err := os.CreateTemp("", "upload-*"+ext)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, file); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: %v", err))
		return
	}

	duration, err := h.transcoder.Probe(r.Context(), tmp.Name())
	if err != nil || duration <= 0 {
		logger.Warn("upload probe failed", logger.String("filename", header.Filename), logger.ErrorField(err))
		writeError(w, http.StatusBadRequest, "Unreadable audio file")
		return
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	info, err := h.store.Put(r.Context(), tmp, contentType)
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("store upload: %w", err))
		return
	}

	track := &model.Track{
		ID:                  uuid.NewString(),
		OwnerID:             userID,
		Title:               title,
		Artist:              strings.TrimSpace(r.FormValue("artist")),
		Genre:               strings.TrimSpace(r.FormValue("genre")),
		Visibility:          visibility,
		BasePriceMinorUnits: basePrice,
		DurationSeconds:     duration,
		ContentHash:         info.Ref,
		ContentRef:          info.Ref,
		ContentType:         contentType,
		Kind:                model.TrackKindOriginal,
	}
	if err := h.tracks.Create(r.Context(), track); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	logger.Info("track uploaded",
		logger.TrackID(track.ID),
		logger.String("owner", userID),
		logger.Float64("duration", duration),
		logger.Int64("size", info.Size))
	writeJSON(w, http.StatusCreated, newTrackView(track))
}

// GetMyTracksHandler 列出当前用户上传的音轨
func (h *APIHandler) GetMyTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	tracks, err := h.tracks.ListByOwner(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, newTrackView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetTrackHandler 获取音轨信息，私有音轨只有所有者可见
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	track, err := h.tracks.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "track not found")
		return
	}
	userID, _ := GetUserIDFromContext(r.Context())
	if !track.IsPublic() && track.OwnerID != userID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, newTrackView(track))
}

// TrackFileHandler 按 Range 流式返回音轨文件
func (h *APIHandler) TrackFileHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	h.serveDelivery(w, r,
		delivery.Target{Kind: delivery.TargetTrack, ID: mux.Vars(r)["id"]},
		delivery.Requester{UserID: userID})
}

// SnippetFileHandler 凭 grant 返回复用片段
func (h *APIHandler) SnippetFileHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	h.serveDelivery(w, r,
		delivery.Target{Kind: delivery.TargetSnippet, ID: mux.Vars(r)["ref"]},
		delivery.Requester{UserID: userID, Grant: r.URL.Query().Get("grant")})
}

func (h *APIHandler) serveDelivery(w http.ResponseWriter, r *http.Request, target delivery.Target, requester delivery.Requester) {
	d, err := h.delivery.OpenRange(r.Context(), target, requester, r.Header.Get("Range"))
	if err != nil {
		if errors.Is(err, delivery.ErrRangeNotSatisfiable) {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		h.writeDomainError(w, r, err)
		return
	}
	defer d.Body.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(d.ContentLength, 10))
	w.Header().Set("Content-Disposition", "inline")
	status := http.StatusOK
	if d.Partial {
		w.Header().Set("Content-Range", d.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	start := time.Now()
	if _, err := io.Copy(w, d.Body); err != nil {
		logger.Warn("stream interrupted",
			logger.String("target", string(target.Kind)+":"+target.ID),
			logger.Duration("elapsed", time.Since(start)),
			logger.ErrorField(err))
	}
}
