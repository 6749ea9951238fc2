// Package dispatch implements the Dispatch Manager: ownership of
// in-flight Balancer Jobs, the bounded incoming/outgoing worker pools,
// and the adapter-keyed Awaiting-Reply Index used to correlate
// asynchronous upstream replies back to their originating job.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/duskline/langrelay/balerrs"
	"github.com/duskline/langrelay/job"
	"github.com/duskline/langrelay/langid"
	"github.com/duskline/langrelay/logging"
	"github.com/duskline/langrelay/metrics"
	"github.com/duskline/langrelay/protocol"
	"github.com/duskline/langrelay/registry"
)

// Sender delivers a finished response back to the session that owns it.
// Implemented by the front server's session table.
type Sender interface {
	Send(sessionID string, resp protocol.TransJobResp) error
}

// adapterJobs is one adapter's slice of the Awaiting-Reply Index, guarded
// by its own mutex so the hot path (on_upstream_response) only contends
// with other activity on the same adapter. dead marks that the adapter's
// current connection has already been drained by a disconnect: it
// survives as a tombstone (rather than being deleted) so a job whose
// send raced with that disconnect is caught by registerAwaiting instead
// of being registered into a connection that no longer exists.
type adapterJobs struct {
	mu   sync.Mutex
	jobs map[uint64]*job.Job // local_bal_job_id -> job
	dead bool
}

// Manager is the Dispatch Manager component.
type Manager struct {
	reg    *registry.Registry
	lang   *langid.Table
	logger *zap.Logger
	sender Sender

	incoming chan *job.Job
	outgoing chan *job.Job

	awaitingMu sync.RWMutex
	awaiting   map[string]*adapterJobs // adapter id -> entry

	sessionsMu  sync.Mutex
	sessionJobs map[string]map[uint64]*job.Job // session id -> local id -> job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. Call Start before submitting work.
func New(reg *registry.Registry, lang *langid.Table, sender Sender, logger *zap.Logger, queueDepth int) *Manager {
	return &Manager{
		reg:         reg,
		lang:        lang,
		logger:      logger,
		sender:      sender,
		incoming:    make(chan *job.Job, queueDepth),
		outgoing:    make(chan *job.Job, queueDepth),
		awaiting:    make(map[string]*adapterJobs),
		sessionJobs: make(map[string]map[uint64]*job.Job),
	}
}

// Start launches numReq incoming-pool workers and numResp outgoing-pool
// workers, all supervised by a context derived from parent so Stop can
// cancel them promptly.
func (m *Manager) Start(parent context.Context, numReq, numResp int) {
	m.ctx, m.cancel = context.WithCancel(parent)
	for i := 0; i < numReq; i++ {
		m.wg.Add(1)
		go m.incomingWorker()
	}
	for i := 0; i < numResp; i++ {
		m.wg.Add(1)
		go m.outgoingWorker()
	}
}

// Stop cancels the worker context and waits for every worker of both
// pools to return. Jobs still queued on either pool at that point are not
// processed, and their clients receive no response.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Translate resolves the session's job bookkeeping, creates a Balancer
// Job, and enqueues it on the incoming pool. The caller (the front
// server) is responsible for confirming the session is open before
// calling Translate.
func (m *Manager) Translate(sessionID string, req protocol.TransJobReq) {
	j := job.NewJob(sessionID, req)
	m.trackSession(j)
	select {
	case m.incoming <- j:
	case <-m.ctx.Done():
	}
}

// OnUpstreamResponse correlates an upstream reply with its job via the
// Awaiting-Reply Index. A miss (client already gone, or the job was
// already failed by a disconnect) is dropped silently.
func (m *Manager) OnUpstreamResponse(adapterID string, resp protocol.TransJobResp) {
	j, ok := m.takeAwaiting(adapterID, resp.JobID)
	if !ok {
		return
	}
	if j.MarkReplying(resp) {
		m.enqueueOutgoing(j)
	}
}

// OnAdapterDisconnect fails every job awaiting reply on adapterID and
// enqueues an error response for each to its client. It also tombstones
// the adapter's Awaiting-Reply Index entry so a job whose send raced
// with this disconnect (already past adapter.Send, not yet registered)
// is failed by registerAwaiting instead of being registered against a
// connection that's already gone.
func (m *Manager) OnAdapterDisconnect(adapterID string) {
	for _, j := range m.drainAdapter(adapterID) {
		if j.MarkFailed(1, balerrs.New(balerrs.ErrUpstreamDisconnected, "upstream server disconnected")) {
			metrics.JobsFailed.WithLabelValues("upstream_disconnected").Inc()
			m.enqueueOutgoing(j)
		}
	}
}

// OnAdapterReady clears the tombstone left by a prior disconnect once
// adapterID has a new live connection, so jobs can be registered against
// it again. Safe to call even if adapterID was never tombstoned.
func (m *Manager) OnAdapterReady(adapterID string) {
	e := m.adapterEntry(adapterID)
	e.mu.Lock()
	e.dead = false
	e.mu.Unlock()
}

// OnSessionClosed cancels every job owned by sessionID. Cancellation is
// cooperative: jobs still in flight simply have their eventual upstream
// reply dropped (OnUpstreamResponse will find no index entry). No
// response is sent — there is no client left to receive it.
func (m *Manager) OnSessionClosed(sessionID string) {
	m.sessionsMu.Lock()
	jobs := m.sessionJobs[sessionID]
	delete(m.sessionJobs, sessionID)
	m.sessionsMu.Unlock()

	for _, j := range jobs {
		if j.MarkFailed(1, balerrs.New(balerrs.ErrClientDisconnected, "client disconnected")) {
			metrics.JobsFailed.WithLabelValues("client_disconnected").Inc()
			if j.AdapterID != "" {
				m.removeAwaiting(j.AdapterID, j.LocalID)
			}
		}
	}
}

func (m *Manager) incomingWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case j, ok := <-m.incoming:
			if !ok {
				return
			}
			m.dispatchOne(j)
		}
	}
}

func (m *Manager) outgoingWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case j, ok := <-m.outgoing:
			if !ok {
				return
			}
			m.deliver(j)
		}
	}
}

func (m *Manager) dispatchOne(j *job.Job) {
	if !j.MarkDispatching() {
		return
	}

	srcUID, okSrc := m.lang.Lookup(j.Request.SourceLang)
	tgtUID, okTgt := m.lang.Lookup(j.Request.TargetLang)

	var adapter registry.Adapter
	var found bool
	if okSrc && okTgt {
		adapter, found = m.reg.ChooseAdapter(srcUID, tgtUID)
	}
	if !found {
		msg := fmt.Sprintf("no route for %s->%s", j.Request.SourceLang, j.Request.TargetLang)
		if j.MarkFailed(1, balerrs.New(balerrs.ErrNoRoute, msg)) {
			metrics.JobsFailed.WithLabelValues("no_route").Inc()
			m.enqueueOutgoing(j)
		}
		return
	}

	upstreamReq := j.Request
	upstreamReq.JobID = j.LocalID
	payload, err := json.Marshal(upstreamReq)
	if err != nil {
		if j.MarkFailed(1, balerrs.Mark(balerrs.ErrInternal, err)) {
			metrics.JobsFailed.WithLabelValues("internal").Inc()
			m.enqueueOutgoing(j)
		}
		return
	}

	if err := adapter.Send(m.ctx, payload); err != nil {
		if j.MarkFailed(1, balerrs.Mark(balerrs.ErrUpstreamSend, err)) {
			metrics.JobsFailed.WithLabelValues("upstream_send").Inc()
			m.enqueueOutgoing(j)
		}
		return
	}

	// Successful send: DISPATCHING -> AWAITING_REPLY, and register in the
	// Awaiting-Reply Index so a reply or a disconnect can find this job.
	// If something else (a session close racing with this send) already
	// moved the job out of DISPATCHING, MarkAwaitingReply fails and the
	// job is left exactly as that other transition set it — never
	// registered, never orphaned.
	if j.MarkAwaitingReply(adapter.ID()) {
		metrics.JobsDispatched.Inc()
		m.registerAwaiting(adapter.ID(), j)
	}
}

func (m *Manager) deliver(j *job.Job) {
	resp := j.Response()
	if err := m.sender.Send(j.SessionID, resp); err != nil {
		m.logger.Warn("dispatch: failed delivering response to client",
			logging.Session(j.SessionID), logging.JobID(j.LocalID), zap.Error(err))
	}
	j.MarkDone()
	m.untrackSession(j)
}

func (m *Manager) enqueueOutgoing(j *job.Job) {
	select {
	case m.outgoing <- j:
	case <-m.ctx.Done():
	}
}

func (m *Manager) trackSession(j *job.Job) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	jobs, ok := m.sessionJobs[j.SessionID]
	if !ok {
		jobs = make(map[uint64]*job.Job)
		m.sessionJobs[j.SessionID] = jobs
	}
	jobs[j.LocalID] = j
}

func (m *Manager) untrackSession(j *job.Job) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	jobs, ok := m.sessionJobs[j.SessionID]
	if !ok {
		return
	}
	delete(jobs, j.LocalID)
	if len(jobs) == 0 {
		delete(m.sessionJobs, j.SessionID)
	}
}

func (m *Manager) adapterEntry(adapterID string) *adapterJobs {
	m.awaitingMu.RLock()
	if e, ok := m.awaiting[adapterID]; ok {
		m.awaitingMu.RUnlock()
		return e
	}
	m.awaitingMu.RUnlock()

	m.awaitingMu.Lock()
	defer m.awaitingMu.Unlock()
	if e, ok := m.awaiting[adapterID]; ok {
		return e
	}
	e := &adapterJobs{jobs: make(map[uint64]*job.Job)}
	m.awaiting[adapterID] = e
	return e
}

// registerAwaiting adds j to adapterID's Awaiting-Reply Index entry,
// unless that adapter was already disconnected since j's send succeeded
// (the entry is tombstoned dead) — in which case the disconnect that
// should have failed j already ran and missed it, so registerAwaiting
// fails j itself instead of registering it against a dead connection.
func (m *Manager) registerAwaiting(adapterID string, j *job.Job) {
	e := m.adapterEntry(adapterID)
	e.mu.Lock()
	dead := e.dead
	if !dead {
		e.jobs[j.LocalID] = j
	}
	e.mu.Unlock()

	if dead {
		if j.MarkFailed(1, balerrs.New(balerrs.ErrUpstreamDisconnected, "upstream server disconnected")) {
			metrics.JobsFailed.WithLabelValues("upstream_disconnected").Inc()
			m.enqueueOutgoing(j)
		}
		return
	}
	metrics.AwaitingReplyJobs.Inc()
}

func (m *Manager) takeAwaiting(adapterID string, localID uint64) (*job.Job, bool) {
	m.awaitingMu.RLock()
	e, ok := m.awaiting[adapterID]
	m.awaitingMu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	j, ok := e.jobs[localID]
	if ok {
		delete(e.jobs, localID)
	}
	e.mu.Unlock()
	if ok {
		metrics.AwaitingReplyJobs.Dec()
	}
	return j, ok
}

func (m *Manager) removeAwaiting(adapterID string, localID uint64) {
	m.awaitingMu.RLock()
	e, ok := m.awaiting[adapterID]
	m.awaitingMu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	_, existed := e.jobs[localID]
	delete(e.jobs, localID)
	e.mu.Unlock()
	if existed {
		metrics.AwaitingReplyJobs.Dec()
	}
}

// drainAdapter returns every job currently awaiting reply on adapterID
// and tombstones its entry as dead, rather than deleting it: a send
// that already succeeded against this adapter but hasn't reached
// registerAwaiting yet must still find this entry and see it dead, not
// silently recreate a fresh one. OnAdapterReady clears the tombstone
// once the adapter has a new live connection.
func (m *Manager) drainAdapter(adapterID string) []*job.Job {
	e := m.adapterEntry(adapterID)

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*job.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j)
	}
	e.jobs = make(map[uint64]*job.Job)
	e.dead = true
	metrics.AwaitingReplyJobs.Sub(float64(len(out)))
	return out
}

// AwaitingCount returns the number of jobs currently awaiting reply on
// adapterID, for admin diagnostics.
func (m *Manager) AwaitingCount(adapterID string) int {
	m.awaitingMu.RLock()
	e, ok := m.awaiting[adapterID]
	m.awaitingMu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}
