package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/ipc"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// isolationCaller is the narrow slice of *ipc.Client used to sync the
// daemon's latest self-test result, mirroring configapi's daemonCaller
// narrowing so a fake can stand in for tests.
type isolationCaller interface {
	Call(command string, payload map[string]interface{}) (interface{}, error)
}

// isolationResultWire mirrors internal/daemon/nspolicy.Engine.SelfTest's
// *store.IsolationValidationResult over the wire (spec §4.5
// get_validation_result, §4.6).
type isolationResultWire struct {
	Status     string           `mapstructure:"status"`
	RanAt      string           `mapstructure:"ranAt"`
	SubChecks  []store.SubCheck `mapstructure:"subChecks"`
	Failures   []string         `mapstructure:"failures"`
	DurationMS int64            `mapstructure:"durationMs"`
}

// SyncIsolationResult asks the daemon for its in-memory latest self-test
// result and appends it to the store's append-only log. Called once at API
// process startup so GET /system/health and GET /system/isolation-status
// reflect the daemon's boot-time self-test without waiting for a second run
// (spec §3: "the API syncs it on startup").
func SyncIsolationResult(ctx context.Context, client isolationCaller, s store.ConfigStore, log *slog.Logger) error {
	raw, err := client.Call(ipc.CmdGetValidationResult, map[string]interface{}{})
	if err != nil {
		return err
	}

	var wire isolationResultWire
	if decErr := mapstructure.Decode(raw, &wire); decErr != nil {
		return decErr
	}

	ranAt, parseErr := time.Parse(time.RFC3339, wire.RanAt)
	if parseErr != nil {
		ranAt = time.Now().UTC()
	}

	err = s.AppendIsolationResult(ctx, &store.IsolationValidationResult{
		Status:     wire.Status,
		RanAt:      ranAt,
		SubChecks:  wire.SubChecks,
		Failures:   wire.Failures,
		DurationMS: wire.DurationMS,
	})
	if err != nil {
		return err
	}
	if log != nil {
		log.Info("synced daemon isolation self-test result", "status", wire.Status)
	}
	return nil
}

// isolationStatusView is the GET /system/isolation-status response body
// (spec §6).
type isolationStatusView struct {
	Status     string           `json:"status"`
	RanAt      string           `json:"ranAt"`
	SubChecks  []store.SubCheck `json:"subChecks"`
	Failures   []string         `json:"failures"`
	DurationMS int64            `json:"durationMs"`
}

// HandleIsolationStatus handles GET /api/v1/system/isolation-status: the
// latest self-test row, or 404 if the log is empty (spec §6).
func (h *Handler) HandleIsolationStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.LatestIsolationResult(r.Context())
	if err != nil {
		h.log.Error("failed to load latest isolation result", "error", err)
		api.WriteInternalError(w, "failed to load isolation result", r.URL.Path)
		return
	}
	if result == nil {
		api.WriteNotFound(w, "no isolation self-test has run yet", r.URL.Path)
		return
	}
	api.WriteData(w, http.StatusOK, isolationStatusView{
		Status:     result.Status,
		RanAt:      result.RanAt.UTC().Format(time.RFC3339),
		SubChecks:  result.SubChecks,
		Failures:   result.Failures,
		DurationMS: result.DurationMS,
	})
}
