package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/logger"
	"github.com/harunnryd/rocker/internal/registry"
	"github.com/harunnryd/rocker/internal/wire"
	"github.com/harunnryd/rocker/internal/worker"
)

type handler struct {
	conn     *net.UnixConn
	builder  Builder
	registry *registry.Registry
	// dataDirs serializes builds that share a data dir, so their overlay
	// upper and work dirs are never set up concurrently.
	dataDirs *concurrency.KeyedMutex
}

// Handle builds the requested sandbox and replies to the sender. Every
// request gets exactly one reply.
func (h *handler) Handle(ctx context.Context, job *worker.Job) error {
	log := logger.FromContext(ctx)

	req, err := wire.DecodeRequest(job.Payload)
	if err != nil {
		h.replyFailure(ctx, job)
		return fmt.Errorf("decode request: %w", err)
	}
	log.Info("Build requested",
		"app_id", req.AppID,
		"uid", req.UID,
		"package", req.PackagePath,
		"overlays", len(req.OverlayDirs))

	dataDir := filepath.Clean(req.DataDir)
	h.dataDirs.Lock(dataDir)
	built, err := h.builder.Build(ctx, req, h.registry)
	h.dataDirs.Unlock(dataDir)
	if err != nil {
		h.replyFailure(ctx, job)
		return fmt.Errorf("build sandbox: %w", err)
	}
	defer built.Handles.Close()

	reply := wire.Reply{PID: int32(built.PID), Identity: built.Identity}
	if err := wire.WriteReply(h.conn, job.From, reply, built.Handles); err != nil {
		// The guard stays registered; with nobody joining it becomes
		// solitary and the reaper releases it.
		return fmt.Errorf("send reply for guard %d: %w", built.PID, err)
	}

	log.Info("Sandbox handed off", "guard_pid", built.PID, "identity", built.Identity.String())
	return nil
}

func (h *handler) replyFailure(ctx context.Context, job *worker.Job) {
	if err := wire.WriteReply(h.conn, job.From, wire.FailureReply, nil); err != nil {
		logger.FromContext(ctx).Warn("Failed to send failure reply", "error", err, "category", errors.Category(err))
	}
}
