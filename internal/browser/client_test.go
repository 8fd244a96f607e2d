package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logx "taskherd/pkg/logx"
)

type fakeManager struct {
	mu     sync.Mutex
	opened []string
	closed []string
	failID string
}

func (m *fakeManager) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/browser/open", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		m.mu.Lock()
		fail := req.ID == m.failID
		if !fail {
			m.opened = append(m.opened, req.ID)
		}
		m.mu.Unlock()
		if fail {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "profile busy"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]string{
				"ws":   "ws://127.0.0.1:9222/devtools/" + req.ID,
				"http": "127.0.0.1:9222",
			},
		})
	})
	mux.HandleFunc("/browser/close", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		m.mu.Lock()
		m.closed = append(m.closed, req.ID)
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/browser/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"list": []map[string]string{{"id": "p1"}, {"id": "p2"}},
			},
		})
	})
	return mux
}

func newTestProvider(t *testing.T, m *fakeManager) *Provider {
	t.Helper()
	srv := httptest.NewServer(m.handler())
	t.Cleanup(srv.Close)
	p, err := New(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return p
}

func TestAcquireReturnsEndpoints(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	p := newTestProvider(t, m)

	h, err := p.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if h.ID() != "p1" {
		t.Fatalf("ID() = %q", h.ID())
	}
	bh, ok := h.(*Handle)
	if !ok {
		t.Fatalf("handle type %T", h)
	}
	if !strings.Contains(bh.WSAddress, "devtools/p1") {
		t.Fatalf("WSAddress = %q", bh.WSAddress)
	}

	if err := p.Release(context.Background(), h); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.opened) != 1 || len(m.closed) != 1 {
		t.Fatalf("opened/closed = %v/%v", m.opened, m.closed)
	}
}

func TestAcquireSurfacesManagerError(t *testing.T) {
	t.Parallel()

	m := &fakeManager{failID: "p1"}
	p := newTestProvider(t, m)

	_, err := p.Acquire(context.Background(), "p1")
	if err == nil || !strings.Contains(err.Error(), "profile busy") {
		t.Fatalf("Acquire() = %v, want manager error", err)
	}
}

func TestListEnabled(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, &fakeManager{})
	ids, err := p.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled() = %v", err)
	}
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Fatalf("ListEnabled() = %v", ids)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("New() accepted empty base url")
	}
}
