package meister

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/benchkit/meister/internal/archive"
	"github.com/benchkit/meister/pkg/protocol"
)

// The sink may come up after we are ready to ship; a refused connection is
// retried every 100 ms, up to 200 times after the first try. Any other HTTP failure
// short-circuits and is reported.
const (
	putRetryInterval = 100 * time.Millisecond
	putRetryBudget   = 200
)

// sendTools ships the collected data of the directory named by the action
// to the tool data sink. It is a no-op success when this tool meister runs
// on the controller host (the data is already in place) or when no
// transient tools are registered.
func (m *Meister) sendTools(ctx context.Context, data *protocol.Action) int {
	if m.state == stateRunning || m.state == stateStartup {
		msg := fmt.Sprintf("send action received in state '%s'", m.state)
		m.sendClientStatus(ctx, msg)
		return 1
	}

	transientCnt := 0
	for name := range m.params.Tools {
		if !m.meta.IsPersistent(name) && !m.meta.IsNoop(name) {
			transientCnt++
		}
	}
	if transientCnt == 0 {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
		return 0
	}

	directory := data.Dir()
	toolDir, ok := m.directories[directory]
	if !ok {
		slog.Error("INTERNAL ERROR - send tools for a directory without a completed stop",
			"directory", directory)
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}

	if m.local() {
		delete(m.directories, directory)
		slog.Info("send_tools (no-op)", "hostname", m.params.Hostname, "group", m.params.Group, "dir", toolDir)
		m.sendClientStatus(ctx, protocol.StatusSuccess)
		return 0
	}

	failures := m.sendDirectory(ctx, toolDir, "tool-data", protocol.DirectoryContext(directory))
	if failures == 0 {
		delete(m.directories, directory)
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	} else {
		m.sendClientStatus(ctx, fmt.Sprintf("%d failures sending tool data", failures))
	}
	return failures
}

// sendDirectory tars up the given directory (whose final path element is our
// host name) and PUTs it to the sink under the given uri fragment and opaque
// directory context. On success the staging directory is removed; on failure
// it is left in place for diagnosis. The tarball itself is always removed.
func (m *Meister) sendDirectory(ctx context.Context, toolDir, uri, dirCtx string) int {
	if filepath.Base(toolDir) != m.params.Hostname {
		slog.Error("final path component of the tool directory is not our host name",
			"tool_dir", toolDir, "hostname", m.params.Hostname)
		return 1
	}
	parentDir := filepath.Dir(toolDir)
	tarFile := filepath.Join(parentDir, m.params.Hostname+".tar.xz")
	defer func() {
		if err := os.Remove(tarFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("error removing tar ball", "tar", tarFile, "error", err)
		}
	}()

	// Drop the tool script capture files before packaging; their content is
	// only interesting while the tools run.
	captures, _ := filepath.Glob(filepath.Join(toolDir, "tm-*.out"))
	errCaptures, _ := filepath.Glob(filepath.Join(toolDir, "tm-*.err"))
	for _, f := range append(captures, errCaptures...) {
		if err := os.Remove(f); err != nil {
			slog.Warn("failure removing tool capture file", "file", f, "error", err)
		}
	}

	if err := archive.CreateTarXz(parentDir, m.params.Hostname, tarFile); err != nil {
		slog.Error("failed to create tar ball", "tar", tarFile, "error", err)
		return 1
	}
	tarMD5, err := archive.FileMD5(tarFile)
	if err != nil {
		slog.Error("failed to read tar ball", "tar", tarFile, "error", err)
		return 1
	}

	url := fmt.Sprintf("http://%s:%d/%s/%s/%s",
		m.params.Controller, m.cfg.Sink.Port, uri, dirCtx, m.params.Hostname)
	slog.Debug("starting send_data", "hostname", m.params.Hostname, "group", m.params.Group, "url", url)

	var status int
	var body string
	backoff := retry.WithMaxRetries(putRetryBudget, retry.NewConstant(putRetryInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		st, b, err := m.put(ctx, url, tarFile, tarMD5)
		if err != nil {
			if connectionRefused(err) {
				// Try until we get a connection.
				return retry.RetryableError(err)
			}
			return err
		}
		status, body = st, b
		return nil
	})
	if err != nil {
		slog.Error("PUT failed", "url", url, "error", err)
		return 1
	}
	if status != http.StatusOK {
		slog.Error("PUT failed", "url", url, "status", status, "body", body)
		return 1
	}
	slog.Debug("PUT succeeded", "url", url, "status", status)
	if err := os.RemoveAll(parentDir); err != nil {
		slog.Error("failed to remove tool data hierarchy", "dir", parentDir, "error", err)
		return 1
	}
	slog.Info("PUT completed", "hostname", m.params.Hostname, "uri", uri, "group", m.params.Group)
	return 0
}

func (m *Meister) put(ctx context.Context, url, tarFile, tarMD5 string) (int, string, error) {
	fp, err := os.Open(tarFile)
	if err != nil {
		return 0, "", err
	}
	defer fp.Close()
	fi, err := fp.Stat()
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, fp)
	if err != nil {
		return 0, "", err
	}
	req.ContentLength = fi.Size()
	req.Header.Set("md5sum", tarMD5)
	req.Header.Set("filename", filepath.Base(tarFile))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	return resp.StatusCode, string(buf[:n]), nil
}

// connectionRefused matches only a refused connection; any other transport
// or HTTP failure short-circuits the retry loop and is reported.
func connectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
