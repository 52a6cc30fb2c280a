package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/mkurosawa/batchpilot/internal/model"
	"github.com/mkurosawa/batchpilot/internal/uds"
)

type jobParams struct {
	JobID string `json:"job_id"`
}

type reorderParams struct {
	Order []string `json:"order"`
}

// StatusData is the status command payload: the queue record plus the live
// run flags.
type StatusData struct {
	Queue   *model.Queue `json:"queue"`
	Running bool         `json:"running"`
	Paused  bool         `json:"paused"`
}

// registerHandlers maps each control command onto its scheduler operation.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdQueueAdd, d.handleQueueAdd)
	d.server.Handle(uds.CmdQueueRemove, d.handleQueueRemove)
	d.server.Handle(uds.CmdQueueReorder, d.handleQueueReorder)
	d.server.Handle(uds.CmdStart, d.controlHandler("start", func() error { return d.sched.Start() }))
	d.server.Handle(uds.CmdPause, d.controlHandler("pause", func() error { return d.sched.Pause() }))
	d.server.Handle(uds.CmdResume, d.controlHandler("resume", func() error { return d.sched.Resume() }))
	d.server.Handle(uds.CmdStop, d.controlHandler("stop", func() error { return d.sched.Stop() }))
	d.server.Handle(uds.CmdRetryFailed, d.handleRetryFailed)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
}

func (d *Daemon) handleQueueAdd(req *uds.Request) *uds.Response {
	var params jobParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
		}
	}

	id := params.JobID
	if id == "" {
		generated, err := model.GenerateID(model.IDTypeJob)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		id = generated
	}

	if err := d.sched.AddProject(id); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	d.log(LogLevelInfo, "queued job %s", id)
	return uds.SuccessResponse(map[string]string{"job_id": id})
}

func (d *Daemon) handleQueueRemove(req *uds.Request) *uds.Response {
	var params jobParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.JobID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "job_id is required")
	}
	if err := d.sched.RemoveProject(params.JobID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "removed job %s", params.JobID)
	return uds.SuccessResponse(map[string]string{"job_id": params.JobID})
}

func (d *Daemon) handleQueueReorder(req *uds.Request) *uds.Response {
	var params reorderParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	if len(params.Order) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "order is required")
	}
	if err := d.sched.Reorder(params.Order); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "reordered queue to %d jobs", len(params.Order))
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleRetryFailed(req *uds.Request) *uds.Response {
	n, err := d.sched.RetryFailed()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "retry-failed reset %d jobs", n)
	return uds.SuccessResponse(map[string]int{"retried": n})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	queue, running, paused := d.sched.Status()
	return uds.SuccessResponse(StatusData{Queue: queue, Running: running, Paused: paused})
}

// controlHandler wraps a run-control operation. Operation errors are state
// conflicts (pausing an idle batch, starting an empty queue), not internal
// failures.
func (d *Daemon) controlHandler(name string, op func() error) uds.HandlerFunc {
	return func(req *uds.Request) *uds.Response {
		if err := op(); err != nil {
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		}
		d.log(LogLevelInfo, "batch %s", name)
		return uds.SuccessResponse(nil)
	}
}
