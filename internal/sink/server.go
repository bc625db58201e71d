package sink

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/benchkit/meister/internal/archive"
	"github.com/benchkit/meister/pkg/protocol"
)

// Read in 64 KB chunks off the wire for HTTP PUT requests.
const putBufferSize = 64 * 1024

// maxToolDataSize caps a single uploaded tarball at 1 GiB.
const maxToolDataSize = 1 << 30

// routes builds the sink's HTTP surface: tarball uploads from remote tool
// meisters plus the live event feed.
func (s *Sink) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /tool-data/{ctx}/{host}", func(w http.ResponseWriter, r *http.Request) {
		s.putDocument(w, r, protocol.ActionSend)
	})
	mux.HandleFunc("PUT /sysinfo-data/{ctx}/{host}", func(w http.ResponseWriter, r *http.Request) {
		s.putDocument(w, r, protocol.ActionSysinfo)
	})
	mux.HandleFunc("GET /events", s.events.handle)
	return mux
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Warn("rejecting PUT", "status", status, "reason", msg)
	http.Error(w, msg, status)
}

// putDocument accepts one per-host tarball. The upload is admitted only when
// the sink is processing the matching data-moving action and the context
// segment matches the hash of the current directory token; the body is
// streamed to a temp file with its MD5 computed on the fly, verified against
// the md5sum header, unpacked in place, and the originating tool meister's
// tracking record flipped back to dormant.
func (s *Sink) putDocument(w http.ResponseWriter, r *http.Request, wantState string) {
	dirCtx := r.PathValue("ctx")
	hostname := r.PathValue("host")

	targetDirStr, uerr := s.tracker.beginUpload(wantState, dirCtx, hostname)
	if uerr != nil {
		httpError(w, uerr.status, "%s", uerr.msg)
		return
	}

	contentLength := r.ContentLength
	if contentLength < 0 {
		httpError(w, http.StatusBadRequest, "Missing required content-length header")
		return
	}
	if contentLength == 0 {
		httpError(w, http.StatusBadRequest, "No data received")
		return
	}
	if contentLength > maxToolDataSize {
		httpError(w, http.StatusBadRequest,
			"Content object too large, keep it at 1 GB (%d) and under", contentLength)
		return
	}
	expMD5 := r.Header.Get("md5sum")
	if expMD5 == "" {
		httpError(w, http.StatusBadRequest, "Missing required md5sum header")
		return
	}

	fi, err := os.Stat(targetDirStr)
	if err != nil || !fi.IsDir() {
		slog.Error("target directory does not exist", "dir", targetDirStr)
		httpError(w, http.StatusInternalServerError, "Invalid URL, path %s does not exist", targetDirStr)
		return
	}
	tarball := filepath.Join(targetDirStr, hostname+".tar.xz")
	if _, err := os.Stat(tarball); err == nil {
		httpError(w, http.StatusConflict, "%s already uploaded", tarball)
		return
	}
	md5Sidecar := tarball + ".md5"

	tmp, err := os.CreateTemp(targetDirStr, ".upload-*")
	if err != nil {
		slog.Error("failed to create upload temp file", "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL ERROR")
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := md5.New()
	total, err := io.CopyBuffer(io.MultiWriter(tmp, h), io.LimitReader(r.Body, contentLength), make([]byte, putBufferSize))
	tmp.Close()
	if err != nil {
		slog.Error("failed to read upload body", "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL ERROR")
		return
	}
	if total != contentLength {
		httpError(w, http.StatusBadRequest,
			"Content length mismatch, received %d of %d bytes", total, contentLength)
		return
	}
	curMD5 := hex.EncodeToString(h.Sum(nil))
	if curMD5 != expMD5 {
		httpError(w, http.StatusBadRequest,
			"Content, %s, does not match its MD5SUM header, %s", curMD5, expMD5)
		return
	}

	if err := os.WriteFile(md5Sidecar, []byte(fmt.Sprintf("%s %s\n", expMD5, filepath.Base(tarball))), 0o644); err != nil {
		slog.Error("failed to write .md5 file", "file", md5Sidecar, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL ERROR")
		return
	}
	if err := os.Link(tmpName, tarball); err != nil {
		os.Remove(md5Sidecar)
		slog.Error("failed to link tar ball into place", "tar", tarball, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL ERROR")
		return
	}

	// Unpack in place with the external tar.
	oFile := filepath.Join(targetDirStr, hostname+".tar.out")
	eFile := filepath.Join(targetDirStr, hostname+".tar.err")
	if err := archive.ExtractTar(tarball, targetDirStr, oFile, eFile); err != nil {
		slog.Error("failed to extract tools tar ball", "tar", tarball, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL ERROR")
		return
	}
	for _, f := range []string{oFile, eFile, md5Sidecar, tarball} {
		if err := os.Remove(f); err != nil {
			slog.Warn("error removing unpacked tar ball artifact", "file", f, "error", err)
		}
	}

	s.tracker.completeUpload(hostname)
	s.events.broadcast(event{Type: "upload", Host: hostname})
	slog.Debug("successfully unpacked upload", "host", hostname, "tar", tarball)
	w.WriteHeader(http.StatusOK)
}
