package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duskline/langrelay/langid"
	"github.com/duskline/langrelay/protocol"
	"github.com/duskline/langrelay/registry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.TransJobResp
}

func (s *fakeSender) Send(sessionID string, resp protocol.TransJobResp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, resp)
	return nil
}

func (s *fakeSender) lastN(n int) []protocol.TransJobResp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) < n {
		return nil
	}
	return s.sent[len(s.sent)-n:]
}

// fakeAdapter implements registry.Adapter. sendFn lets tests inject
// either a success that stashes the raw request for later manual replay
// via Manager.OnUpstreamResponse, or a forced send failure.
type fakeAdapter struct {
	id     string
	weight uint32
	sendFn func(ctx context.Context, payload []byte) error
}

func (a *fakeAdapter) ID() string     { return a.id }
func (a *fakeAdapter) Weight() uint32 { return a.weight }
func (a *fakeAdapter) Send(ctx context.Context, payload []byte) error {
	if a.sendFn != nil {
		return a.sendFn(ctx, payload)
	}
	return nil
}

func newManager(t *testing.T, sender Sender) (*Manager, *registry.Registry, *langid.Table) {
	t.Helper()
	lang := langid.New()
	reg := registry.New(lang)
	m := New(reg, lang, sender, zap.NewNop(), 8)
	m.Start(context.Background(), 2, 2)
	t.Cleanup(m.Stop)
	return m, reg, lang
}

func waitForSent(t *testing.T, s *fakeSender, n int) []protocol.TransJobResp {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.lastN(n); got != nil {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent response(s)", n)
	return nil
}

func TestTranslateNoRoute(t *testing.T) {
	sender := &fakeSender{}
	m, _, _ := newManager(t, sender)

	req := protocol.NewTransJobReq(1, 0, "en", "de", false, []string{"hi"})
	m.Translate("sess-1", req)

	got := waitForSent(t, sender, 1)
	if got[0].JobID != 1 {
		t.Fatalf("job_id = %d, want 1", got[0].JobID)
	}
	for _, s := range got[0].TargetData {
		if s.StatusCode == 0 {
			t.Fatal("expected nonzero status code for an unsupported pair")
		}
	}
}

func TestTranslateHappyPath(t *testing.T) {
	sender := &fakeSender{}
	m, reg, lang := newManager(t, sender)

	var gotLocalID uint64
	a := &fakeAdapter{id: "a1", weight: 1, sendFn: func(ctx context.Context, payload []byte) error {
		env, _ := protocol.PeekEnvelope(payload)
		if env.MsgType != protocol.MsgTransJobReq {
			t.Fatal("expected a TRANS_JOB_REQ on the wire")
		}
		var req protocol.TransJobReq
		_ = json.Unmarshal(payload, &req)
		gotLocalID = req.JobID
		go m.OnUpstreamResponse("a1", protocol.NewTransJobResp(req.JobID, []protocol.Sentence{{StatusCode: 0, TransText: "hallo"}}))
		return nil
	}}
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})
	_ = lang

	req := protocol.NewTransJobReq(42, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-1", req)

	got := waitForSent(t, sender, 1)
	if got[0].JobID != 42 {
		t.Fatalf("client-facing job_id = %d, want 42 (the client's original id)", got[0].JobID)
	}
	if gotLocalID == 42 {
		t.Fatal("upstream should have seen the rewritten local id, not the client's job_id")
	}
	if got[0].TargetData[0].TransText != "hallo" {
		t.Fatalf("got %+v", got[0])
	}
}

func TestAdapterDisconnectMidFlightFailsExactlyOnce(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _ := newManager(t, sender)

	block := make(chan struct{})
	var localID uint64
	a := &fakeAdapter{id: "a1", weight: 1, sendFn: func(ctx context.Context, payload []byte) error {
		var req protocol.TransJobReq
		_ = json.Unmarshal(payload, &req)
		localID = req.JobID
		close(block)
		return nil // reply never arrives; upstream "disconnects" instead
	}}
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	req := protocol.NewTransJobReq(7, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-1", req)

	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("send never happened")
	}
	time.Sleep(20 * time.Millisecond) // let dispatchOne finish registering awaiting
	m.OnAdapterDisconnect("a1")

	got := waitForSent(t, sender, 1)
	if got[0].JobID != 7 {
		t.Fatalf("job_id = %d, want 7", got[0].JobID)
	}
	for _, s := range got[0].TargetData {
		if s.StatusCode == 0 {
			t.Fatal("expected a failure status after upstream disconnect")
		}
	}
	if n := m.AwaitingCount("a1"); n != 0 {
		t.Fatalf("awaiting index still has %d job(s) after disconnect", n)
	}

	// A late reply for the same job must be dropped silently, not crash
	// and not send a second response.
	m.OnUpstreamResponse("a1", protocol.NewTransJobResp(localID, []protocol.Sentence{{StatusCode: 0}}))
	time.Sleep(20 * time.Millisecond)
	if got := sender.lastN(1); got != nil && len(sender.sent) > 1 {
		t.Fatalf("expected exactly one response, sender has %d", len(sender.sent))
	}
}

// TestDisconnectRacingRegistrationDoesNotOrphanJob exercises the narrow
// window between adapter.Send succeeding and registerAwaiting running:
// OnAdapterDisconnect fires as soon as the send has happened, racing the
// job's registration in the Awaiting-Reply Index. Whichever side of the
// registration it lands on, the job must end FAILED, never sit forever
// in AWAITING_REPLY against a dead entry.
func TestDisconnectRacingRegistrationDoesNotOrphanJob(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _ := newManager(t, sender)

	sent := make(chan struct{})
	a := &fakeAdapter{id: "a1", weight: 1, sendFn: func(ctx context.Context, payload []byte) error {
		close(sent)
		return nil
	}}
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	req := protocol.NewTransJobReq(13, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-3", req)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("send never happened")
	}
	// Disconnect as close to immediately after the send as possible,
	// racing dispatchOne's own registerAwaiting call.
	m.OnAdapterDisconnect("a1")

	got := waitForSent(t, sender, 1)
	if got[0].JobID != 13 {
		t.Fatalf("job_id = %d, want 13", got[0].JobID)
	}
	for _, s := range got[0].TargetData {
		if s.StatusCode == 0 {
			t.Fatal("expected a failure status, job must not be orphaned in AWAITING_REPLY")
		}
	}
	if n := m.AwaitingCount("a1"); n != 0 {
		t.Fatalf("awaiting index has %d job(s), want 0 — no orphan left behind", n)
	}
}

// TestOnAdapterReadyRevivesEntryAfterDisconnect verifies that once an
// adapter reconnects, a freshly dispatched job registers normally again
// instead of being failed by a stale dead tombstone from the prior
// disconnect.
func TestOnAdapterReadyRevivesEntryAfterDisconnect(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _ := newManager(t, sender)

	sent := make(chan struct{})
	a := &fakeAdapter{id: "a1", weight: 1, sendFn: func(ctx context.Context, payload []byte) error {
		close(sent)
		return nil // reply never arrives; disconnect below fails the job instead
	}}
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	req := protocol.NewTransJobReq(20, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-4", req)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("send never happened")
	}
	time.Sleep(20 * time.Millisecond) // let dispatchOne finish registering awaiting
	m.OnAdapterDisconnect("a1")
	waitForSent(t, sender, 1)

	// Adapter reconnects; its tombstone must be cleared so new jobs can
	// reach AWAITING_REPLY rather than being failed immediately.
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})
	m.OnAdapterReady("a1")

	var gotLocalID uint64
	a.sendFn = func(ctx context.Context, payload []byte) error {
		var req protocol.TransJobReq
		_ = json.Unmarshal(payload, &req)
		gotLocalID = req.JobID
		go m.OnUpstreamResponse("a1", protocol.NewTransJobResp(req.JobID, []protocol.Sentence{{StatusCode: 0, TransText: "hoi"}}))
		return nil
	}

	req2 := protocol.NewTransJobReq(21, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-4", req2)

	got := waitForSent(t, sender, 2)
	if got[1].JobID != 21 {
		t.Fatalf("job_id = %d, want 21", got[1].JobID)
	}
	if got[1].TargetData[0].StatusCode != 0 {
		t.Fatalf("expected a successful reply after revival, got %+v", got[1])
	}
	_ = gotLocalID
}

func TestClientDisconnectMidFlightDropsLateReply(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _ := newManager(t, sender)

	sendCalled := make(chan string, 1)
	a := &fakeAdapter{id: "a1", weight: 1, sendFn: func(ctx context.Context, payload []byte) error {
		var req protocol.TransJobReq
		_ = json.Unmarshal(payload, &req)
		sendCalled <- strconv.FormatUint(req.JobID, 10)
		return nil
	}}
	reg.OnAdapterReady(a, map[string][]string{"en": {"nl"}})

	req := protocol.NewTransJobReq(9, 0, "en", "nl", false, []string{"hi"})
	m.Translate("sess-2", req)

	var localID string
	select {
	case localID = <-sendCalled:
	case <-time.After(time.Second):
		t.Fatal("send never happened")
	}

	m.OnSessionClosed("sess-2")
	lateID, _ := strconv.ParseUint(localID, 10, 64)
	m.OnUpstreamResponse("a1", protocol.NewTransJobResp(lateID, []protocol.Sentence{{StatusCode: 0, TransText: "hallo"}}))
	time.Sleep(20 * time.Millisecond)

	if len(sender.sent) != 0 {
		t.Fatalf("no response should be sent after the client disconnected, got %d", len(sender.sent))
	}
}
