package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/large-farva/forcedaq/internal/control"
	"github.com/large-farva/forcedaq/internal/priority"
	"github.com/large-farva/forcedaq/internal/reconcile"
	"github.com/large-farva/forcedaq/internal/recorder"
)

// commandTimeout bounds how long a request waits for the control runner.
const commandTimeout = 60 * time.Second

// ---------------------------------------------------------------------------
// Core handlers
// ---------------------------------------------------------------------------

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// If the client asks for JSON, return component-level health checks.
	if r.Header.Get("Accept") == "application/json" {
		a.handleHealthDetailed(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":           "forcedaq",
		"state":          a.state.Load().(string),
		"recorder_state": string(a.rec.State()),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"timer_ms":       a.timer.Millis(),
		"data_root":      a.cfg.Data.Root,
		"file":           a.rec.FilePath(),
		"session":        a.rec.SessionID(),
		"demo_enabled":   a.cfg.Demo.Enabled,
		"events_backend": a.cfg.Events.Backend,
		"priority":       a.coord.Level().String(),
		"ws_clients":     a.hub.Clients(),
		"ws_dropped":     a.hub.Dropped(),
	}
	if a.cfg.Demo.Enabled {
		resp["mode"] = "demo"
	} else {
		resp["mode"] = "live"
	}
	if nice, err := priority.MainPriority(); err == nil {
		resp["main_nice"] = nice
	}
	if du := diskUsage(a.cfg.Data.Root); du != nil {
		resp["disk"] = du
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
		"runtime":    runtime.Version(),
	})
}

func (a *App) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config_path": a.configPath,
		"config":      a.cfg,
	})
}

func (a *App) handleSensors(w http.ResponseWriter, _ *http.Request) {
	prios := a.rec.Priorities()
	if prios == nil {
		prios = []priority.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensors":    a.rec.Sensors(),
		"priorities": prios,
	})
}

// recordingInfo describes one log in the data root.
type recordingInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Modified  string `json:"modified"`
	Open      bool   `json:"open"`
	Converted string `json:"converted,omitempty"`
}

func (a *App) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	root := a.cfg.Data.Root
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	open := a.rec.FilePath()
	subdir := a.cfg.Reconcile.Subdir
	recs := make([]recordingInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !reconcile.IsRawLog(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(root, e.Name())
		ri := recordingInfo{
			Filename: e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
			Open:     path == open,
		}
		for _, zipped := range []bool{true, false} {
			conv := reconcile.ConvertedPath(path, subdir, zipped)
			if _, err := os.Stat(conv); err == nil {
				ri.Converted, _ = filepath.Rel(root, conv)
				break
			}
		}
		recs = append(recs, ri)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Filename < recs[j].Filename })

	pending, _ := reconcile.PendingFiles(root, subdir)
	names := make([]string, 0, len(pending))
	for _, p := range pending {
		if p != open {
			names = append(names, filepath.Base(p))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_root":  root,
		"recordings": recs,
		"pending":    names,
	})
}

func (a *App) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]any{}
	allOK := true

	tmpPath := filepath.Join(a.cfg.Data.Root, ".healthcheck")
	if err := os.MkdirAll(a.cfg.Data.Root, 0o755); err != nil {
		checks["data_dir"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else if err := os.WriteFile(tmpPath, []byte("ok"), 0o644); err != nil {
		checks["data_dir"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else {
		_ = os.Remove(tmpPath)
		checks["data_dir"] = map[string]any{"ok": true, "path": a.cfg.Data.Root}
	}

	for _, s := range a.rec.Sensors() {
		ok := !s.Degraded && s.State != "TERMINATED"
		if !ok {
			allOK = false
		}
		checks["sensor_"+strconv.Itoa(s.DeviceID)] = map[string]any{
			"ok":          ok,
			"backend":     s.Backend,
			"degraded":    s.Degraded,
			"state":       s.State,
			"biased":      s.Biased,
			"read_errors": s.ReadErrors,
		}
	}

	recOK := a.rec.State() != recorder.StateClosed
	if !recOK {
		allOK = false
	}
	checks["recorder"] = map[string]any{"ok": recOK, "state": string(a.rec.State())}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": allOK,
		"checks":  checks,
	})
}

// ---------------------------------------------------------------------------
// Recorder commands
// ---------------------------------------------------------------------------

// commandHandler forwards a POST to the control runner. newPayload returns a
// pointer the optional JSON body is decoded into; nil means no body.
func (a *App) commandHandler(cmdType string, newPayload func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload any
		if newPayload != nil {
			payload = newPayload()
			if err := decodeBody(r, payload); err != nil {
				jsonError(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		a.sendCommand(w, r, cmdType, payload)
	}
}

func (a *App) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req control.ConvertPayload
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path != "" {
		// Only logs in the data root can be converted remotely.
		if strings.Contains(req.Path, "/") || strings.Contains(req.Path, "..") {
			jsonError(w, "invalid filename", http.StatusBadRequest)
			return
		}
		req.Path = filepath.Join(a.cfg.Data.Root, req.Path)
		if _, err := os.Stat(req.Path); err != nil {
			jsonError(w, "file not found", http.StatusNotFound)
			return
		}
	}
	a.sendCommand(w, r, control.CmdConvert, req)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sendCommand sends a command to the control runner and writes the reply.
func (a *App) sendCommand(w http.ResponseWriter, r *http.Request, cmdType string, payload any) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	result, err := a.ctrl.Send(ctx, cmdType, payload)
	if err != nil {
		jsonError(w, "control runner unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeCommandResult(w, result)
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"ok":    false,
		"error": msg,
	})
}

// writeCommandResult writes a control.CommandResult as JSON.
func writeCommandResult(w http.ResponseWriter, result control.CommandResult) {
	status := http.StatusOK
	if !result.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}
