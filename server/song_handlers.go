package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"SynthFM/core/errs"
	"SynthFM/logger"

	"github.com/dustin/go-humanize"
)

type processRequest struct {
	Genre string `json:"genre"`
}

type rateRequest struct {
	Score int `json:"score"`
}

// UploadSongHandler stores a raw upload, or a processed one when the form
// carries a genre.
func (h *APIHandler) UploadSongHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, false)
}

// UploadSynthHandler stores an upload and requests processing. The genre
// form field is required.
func (h *APIHandler) UploadSynthHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, true)
}

func (h *APIHandler) upload(w http.ResponseWriter, r *http.Request, requireGenre bool) {
	user := UserFromContext(r.Context())
	filename, data, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var genre *string
	if values, ok := r.MultipartForm.Value["genre"]; ok && len(values) > 0 {
		g := strings.TrimSpace(values[0])
		genre = &g
	} else if requireGenre {
		g := ""
		genre = &g
	}

	logger.Info("[Upload] 收到上传请求",
		logger.Int64("userId", user.ID),
		logger.String("filename", filename),
		logger.String("size", humanize.Bytes(uint64(len(data)))),
		logger.Bool("process", genre != nil))

	rec, err := h.music.Submit(r.Context(), user, filename, data, genre)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if rec.SynthInfo != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, rec)
}

// readUpload reads the multipart "file" field, bounded by MaxUploadBytes.
func (h *APIHandler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, fmt.Errorf("%w: upload exceeds %s", errs.ErrInvalidInput, humanize.IBytes(uint64(h.maxBytes)))
		}
		return "", nil, fmt.Errorf("%w: invalid multipart form", errs.ErrInvalidInput)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("%w: file is required", errs.ErrInvalidInput)
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		return "", nil, fmt.Errorf("%w: upload exceeds %s", errs.ErrInvalidInput, humanize.IBytes(uint64(h.maxBytes)))
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to read upload", errs.ErrInvalidInput)
	}
	if int64(len(data)) > h.maxBytes {
		return "", nil, fmt.Errorf("%w: upload exceeds %s", errs.ErrInvalidInput, humanize.IBytes(uint64(h.maxBytes)))
	}
	return filepath.Base(header.Filename), data, nil
}

// ProcessSongHandler requests a processed version of an existing song.
func (h *APIHandler) ProcessSongHandler(w http.ResponseWriter, r *http.Request) {
	id, err := songIDFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.music.Process(r.Context(), UserFromContext(r.Context()), id, strings.TrimSpace(req.Genre))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// ListSongsHandler lists the caller's songs.
func (h *APIHandler) ListSongsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.music.ListOwned(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListPublicSongsHandler lists songs shared by any user.
func (h *APIHandler) ListPublicSongsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.music.ListPublic(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// DownloadSongHandler streams the song file as an attachment.
func (h *APIHandler) DownloadSongHandler(w http.ResponseWriter, r *http.Request) {
	id, err := songIDFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dl, err := h.music.Download(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer dl.Close()

	f, err := dl.Open()
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Name))
	http.ServeContent(w, r, dl.Name, stat.ModTime(), f)
}

// DeleteSongHandler deletes one of the caller's songs.
func (h *APIHandler) DeleteSongHandler(w http.ResponseWriter, r *http.Request) {
	id, err := songIDFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.music.Delete(r.Context(), UserFromContext(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Song deleted")
}

// RateSongHandler records the caller's score.
func (h *APIHandler) RateSongHandler(w http.ResponseWriter, r *http.Request) {
	id, err := songIDFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.music.Rate(r.Context(), UserFromContext(r.Context()), id, req.Score)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// MakePublicHandler shares one of the caller's songs.
func (h *APIHandler) MakePublicHandler(w http.ResponseWriter, r *http.Request) {
	id, err := songIDFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.music.MakePublic(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
