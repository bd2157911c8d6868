package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

// fakeControl discards every frame; these tests only exercise the HTTP
// status surface, not control delivery.
type fakeControl struct{}

func (fakeControl) WriteFrame(kind uint16, body []byte) error { return nil }
func (fakeControl) Close() error                              { return nil }

func newTestSession(t *testing.T, reg *session.Registry, name string) *session.Session {
	t.Helper()
	key, encIV, decIV := voice.GenerateKeyMaterial()
	crypto := voice.NewCryptoSession(key, encIV, decIV)
	s, err := reg.AddClient(name, crypto, fakeControl{}, nil, 16)
	if err != nil {
		t.Fatalf("add client %q: %v", name, err)
	}
	return s
}

func TestHealthzAndStatus(t *testing.T) {
	reg := session.NewRegistry(10)
	newTestSession(t, reg, "alice")

	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", healthResp.StatusCode)
	}
	var health healthzResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected healthz payload: %#v", health)
	}

	statusResp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /status, got %d", statusResp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Clients != 1 || status.MaxClients != 10 {
		t.Fatalf("unexpected status payload: %#v", status)
	}
	if len(status.Users) != 1 || status.Users[0].Name != "alice" {
		t.Fatalf("expected alice in status, got %#v", status.Users)
	}
	if status.Channels != 1 {
		t.Fatalf("expected Root channel counted, got %d", status.Channels)
	}
}

type fakeSkipCounter uint64

func (f fakeSkipCounter) Skipped() uint64 { return uint64(f) }

func TestStatusReportsRouterSkipCount(t *testing.T) {
	reg := session.NewRegistry(5)
	newTestSession(t, reg, "carol")

	api := New(reg, fakeSkipCounter(42))
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Skipped != 42 {
		t.Fatalf("expected voice_skipped 42, got %d", status.Skipped)
	}
}

func TestChannelsEndpoint(t *testing.T) {
	reg := session.NewRegistry(0)
	newTestSession(t, reg, "bob")
	if _, ok := reg.Channels.Add(session.RootChannelID, "Lobby", "chat", false); !ok {
		t.Fatalf("add channel")
	}

	api := New(reg, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/channels")
	if err != nil {
		t.Fatalf("GET /status/channels: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var chans []channelSummary
	if err := json.NewDecoder(resp.Body).Decode(&chans); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(chans) != 2 {
		t.Fatalf("expected Root + Lobby, got %d", len(chans))
	}
}
