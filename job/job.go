// Package job implements the Balancer Job: the per-client-request state
// machine that carries a translation from receipt through dispatch,
// upstream correlation, and reply.
package job

import (
	"sync"
	"sync/atomic"

	"github.com/duskline/langrelay/protocol"
)

// State is one of the Balancer Job's lifecycle states.
type State int

const (
	New State = iota
	Dispatching
	AwaitingReply
	Replying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Dispatching:
		return "DISPATCHING"
	case AwaitingReply:
		return "AWAITING_REPLY"
	case Replying:
		return "REPLYING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var nextLocalID uint64

// NextLocalID returns a fresh balancer-wide unique id, used as
// local_bal_job_id. Safe for concurrent use.
func NextLocalID() uint64 {
	return atomic.AddUint64(&nextLocalID, 1)
}

// Job is one in-flight client translation.
type Job struct {
	SessionID    string
	ClientJobID  uint64
	LocalID      uint64
	Request      protocol.TransJobReq
	AdapterID    string

	mu       sync.Mutex
	state    State
	response protocol.TransJobResp
	failErr  error
}

// NewJob creates a job in state NEW for the given session and client
// request, minting a fresh local_bal_job_id.
func NewJob(sessionID string, req protocol.TransJobReq) *Job {
	return &Job{
		SessionID:   sessionID,
		ClientJobID: req.JobID,
		LocalID:     NextLocalID(),
		Request:     req,
		state:       New,
	}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// MarkDispatching transitions NEW -> DISPATCHING. Returns false if the
// job was not in NEW (e.g. already cancelled).
func (j *Job) MarkDispatching() bool {
	return j.transition(New, Dispatching)
}

// MarkAwaitingReply transitions DISPATCHING -> AWAITING_REPLY after a
// successful send to the chosen adapter, recording its id so a later
// disconnect can find this job.
func (j *Job) MarkAwaitingReply(adapterID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Dispatching {
		return false
	}
	j.AdapterID = adapterID
	j.state = AwaitingReply
	return true
}

// MarkFailed transitions the job to FAILED from any non-terminal state,
// recording err and building a well-formed error response with one failed
// sentence per sentence the client originally sent.
func (j *Job) MarkFailed(statusCode int, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == Done || j.state == Failed {
		return false
	}
	j.state = Failed
	j.failErr = err
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.response = protocol.ErrorResp(j.Request.JobID, statusCode, msg, len(j.Request.SourceSentences))
	return true
}

// MarkReplying transitions AWAITING_REPLY -> REPLYING once the upstream
// response has been attached, restoring the client's original job_id.
func (j *Job) MarkReplying(resp protocol.TransJobResp) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != AwaitingReply {
		return false
	}
	resp.JobID = j.ClientJobID
	j.response = resp
	j.state = Replying
	return true
}

// MarkDone transitions REPLYING or FAILED -> DONE after the response (or
// error) has been sent to the client.
func (j *Job) MarkDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Replying && j.state != Failed {
		return false
	}
	j.state = Done
	return true
}

// Response returns the response to deliver to the client. Valid once the
// job has reached REPLYING or FAILED.
func (j *Job) Response() protocol.TransJobResp {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.response
}

func (j *Job) transition(from, to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	return true
}
