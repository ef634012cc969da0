package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/detect"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
)

// harness wires a server with a fast-debounce detector the way serve does,
// backed by an in-memory settings source.
type harness struct {
	server  *Server
	manager *retry.Manager
	ts      *httptest.Server
}

func newHarness(t *testing.T, autoStart bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	manager := retry.NewManager(retry.SettingsFunc(func() (retry.Settings, error) {
		s := retry.DefaultSettings()
		s.RetryCooldown = time.Millisecond
		return s, nil
	}), nil, logger)

	var srv *Server
	cfg := detect.DefaultConfig()
	cfg.Debounce = 5 * time.Millisecond
	det := detect.New(cfg, func(sig detect.Signal) { srv.HandleSignal(sig) }, logger)
	srv = New(det, manager, nil, "*", autoStart, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{server: srv, manager: manager, ts: ts}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// script is a fake userscript tab on the other end of the websocket.
type script struct {
	t   *testing.T
	ws  *websocket.Conn
	ctx context.Context
}

func dialScript(t *testing.T, ts *httptest.Server) *script {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return &script{t: t, ws: ws, ctx: ctx}
}

func (sc *script) send(msg wsMessage) {
	sc.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		sc.t.Fatal(err)
	}
	if err := sc.ws.Write(sc.ctx, websocket.MessageText, data); err != nil {
		sc.t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// expectCommand reads the next server command and checks its type.
func (sc *script) expectCommand(wantType string) wsMessage {
	sc.t.Helper()
	_, data, err := sc.ws.Read(sc.ctx)
	if err != nil {
		sc.t.Fatalf("read waiting for %s: %v", wantType, err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sc.t.Fatal(err)
	}
	if msg.Type != wantType {
		sc.t.Fatalf("command type = %s, want %s", msg.Type, wantType)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, false)
	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestOriginRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	manager := retry.NewManager(nil, nil, logger)
	det := detect.New(detect.DefaultConfig(), func(detect.Signal) {}, logger)
	srv := New(det, manager, nil, "https://grok.com", false, logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAutoStartRetryFlow(t *testing.T) {
	h := newHarness(t, true)
	sc := dialScript(t, h.ts)

	sc.send(wsMessage{Type: "hello", PostID: "post-1"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})

	// Moderation marker appears; after the debounce the server captures the
	// prompt, starts a session, and issues a retry.
	sc.send(wsMessage{Type: "mutation", Text: "Sorry, this content was content moderated."})

	cmd := sc.expectCommand("capture")
	sc.send(wsMessage{Type: "result", ID: cmd.ID, OK: true, Inputs: []wireInput{
		{Kind: "textarea", Value: "a cat surfing"},
	}})

	// Restore re-queries the live inputs before writing.
	cmd = sc.expectCommand("capture")
	sc.send(wsMessage{Type: "result", ID: cmd.ID, OK: true, Inputs: []wireInput{
		{Kind: "textarea", Value: ""},
	}})

	cmd = sc.expectCommand("restore")
	if cmd.Text != "a cat surfing" {
		t.Errorf("restore text = %q", cmd.Text)
	}
	if cmd.Kind != "textarea" {
		t.Errorf("restore kind = %q", cmd.Kind)
	}
	sc.send(wsMessage{Type: "result", ID: cmd.ID, OK: true})

	cmd = sc.expectCommand("submit")
	sc.send(wsMessage{Type: "result", ID: cmd.ID, OK: true})

	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return sess.Active && sess.AttemptsUsed == 1 && sess.PostID == "post-1"
	})
}

func TestGenerationSuccessFinalizes(t *testing.T) {
	h := newHarness(t, false)
	sc := dialScript(t, h.ts)
	sc.send(wsMessage{Type: "hello", PostID: "post-2"})

	if err := h.manager.Start("post-2", "prompt", nil); err != nil {
		t.Fatal(err)
	}
	sc.send(wsMessage{Type: "generation"})

	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return !sess.Active && sess.LastOutcome == retry.OutcomeSuccess
	})
}

func TestNavigationCancelsSession(t *testing.T) {
	h := newHarness(t, false)
	sc := dialScript(t, h.ts)
	sc.send(wsMessage{Type: "hello", PostID: "post-3"})

	if err := h.manager.Start("post-3", "prompt", nil); err != nil {
		t.Fatal(err)
	}
	sc.send(wsMessage{Type: "navigation", URL: "https://grok.com/post/other-post"})

	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return !sess.Active && sess.LastOutcome == retry.OutcomeCancelled
	})
}

func TestRateLimitCancelsSession(t *testing.T) {
	h := newHarness(t, false)
	sc := dialScript(t, h.ts)
	sc.send(wsMessage{Type: "hello", PostID: "post-4"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})

	if err := h.manager.Start("post-4", "prompt", nil); err != nil {
		t.Fatal(err)
	}
	sc.send(wsMessage{Type: "mutation", Text: "You have been rate limited. Try again in 120 seconds."})

	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return !sess.Active && sess.LastOutcome == retry.OutcomeCancelled
	})
}

func TestNewHelloSupersedes(t *testing.T) {
	h := newHarness(t, false)

	first := dialScript(t, h.ts)
	first.send(wsMessage{Type: "hello", PostID: "post-5"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})
	h.server.mu.Lock()
	firstClient := h.server.client
	h.server.mu.Unlock()

	second := dialScript(t, h.ts)
	second.send(wsMessage{Type: "hello", PostID: "post-5"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil && h.server.client != firstClient
	})

	// The superseded socket gets closed by the server.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.ws.Read(ctx)
	if err == nil {
		t.Error("expected superseded connection to be closed")
	}
}

func TestCrossPostHelloCancelsSession(t *testing.T) {
	h := newHarness(t, false)

	first := dialScript(t, h.ts)
	first.send(wsMessage{Type: "hello", PostID: "post-a"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})

	if err := h.manager.Start("post-a", "prompt", nil); err != nil {
		t.Fatal(err)
	}

	// A tab showing a different post takes over; the post-a session must
	// not survive the handover.
	second := dialScript(t, h.ts)
	second.send(wsMessage{Type: "hello", PostID: "post-b"})
	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return !sess.Active && sess.LastOutcome == retry.OutcomeCancelled
	})

	// post-b's success must not rewrite the cancelled outcome.
	second.send(wsMessage{Type: "generation"})
	time.Sleep(50 * time.Millisecond)
	if got := h.manager.Snapshot().LastOutcome; got != retry.OutcomeCancelled {
		t.Errorf("outcome = %s after foreign generation, want cancelled", got)
	}
}

func TestGenerationOnDifferentPostIgnored(t *testing.T) {
	h := newHarness(t, false)
	sc := dialScript(t, h.ts)
	sc.send(wsMessage{Type: "hello", PostID: "post-x"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})

	if err := h.manager.Start("post-x", "prompt", nil); err != nil {
		t.Fatal(err)
	}

	// The tab moves to another post without a navigation event reaching us
	// first; its success belongs to that other post.
	sc.send(wsMessage{Type: "hello", PostID: "post-y"})
	sc.send(wsMessage{Type: "generation"})

	waitFor(t, func() bool {
		sess := h.manager.Snapshot()
		return !sess.Active
	})
	if got := h.manager.Snapshot().LastOutcome; got == retry.OutcomeSuccess {
		t.Error("post-x session finalized as success by post-y's generation")
	}
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t, false)
	sc := dialScript(t, h.ts)
	sc.send(wsMessage{Type: "hello", PostID: "post-6"})
	waitFor(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.client != nil
	})

	// Start over HTTP; the capture round trip runs against the script.
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(h.ts.URL+"/api/session/start", "application/json", nil)
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	cmd := sc.expectCommand("capture")
	sc.send(wsMessage{Type: "result", ID: cmd.ID, OK: true, Inputs: []wireInput{
		{Kind: "richtext", Value: "sunset timelapse"},
	}})

	resp := <-done
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	var status sessionStatus
	get, err := http.Get(h.ts.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	if err := json.NewDecoder(get.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Active || !status.Connected {
		t.Errorf("status = %+v, want active and connected", status)
	}
	if status.PostID != "post-6" {
		t.Errorf("post_id = %q", status.PostID)
	}

	cancelResp, err := http.Post(h.ts.URL+"/api/session/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelResp.Body.Close()
	sess := h.manager.Snapshot()
	if sess.Active || sess.LastOutcome != retry.OutcomeCancelled {
		t.Errorf("after cancel: %+v", sess)
	}
}

func TestStartWithoutClient(t *testing.T) {
	h := newHarness(t, false)
	resp, err := http.Post(h.ts.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}
