package api

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/reedfamily/mcctl/internal/backup"
	"github.com/reedfamily/mcctl/internal/control"
)

type BackupHandler struct {
	backups *backup.Service
	ctl     *control.Controller
}

func NewBackupHandler(backupSvc *backup.Service, ctl *control.Controller) *BackupHandler {
	return &BackupHandler{backups: backupSvc, ctl: ctl}
}

// List returns all backups.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backups.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// Create archives the working directory.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	reply, err := h.ctl.Backup(r.Context())
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	writeJSON(w, http.StatusCreated, reply.Backup)
}

// Download sends a backup file to the client.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	path, err := h.backups.FilePath(r.Context(), chi.URLParam(r, "backupId"))
	if err != nil {
		writeFailure(w, err, "")
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

// Delete removes a backup.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backups.Delete(r.Context(), chi.URLParam(r, "backupId")); err != nil {
		writeFailure(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "backup deleted"})
}

// Restore restores a backup. The server must be stopped first.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	err := h.backups.Restore(r.Context(), chi.URLParam(r, "backupId"))
	if errors.Is(err, backup.ErrServerRunning) {
		writeError(w, http.StatusConflict, "stop the server before restoring a backup")
		return
	}
	if err != nil {
		writeFailure(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "backup restored"})
}
