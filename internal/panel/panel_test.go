package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"groupbot/internal/control"
	"groupbot/internal/dispatch"
	"groupbot/internal/state"
	logx "groupbot/pkg/logx"
)

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
	saved [2]string
	next  control.Status
}

func (f *fakeCommands) record(name string) control.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.next.Level == "" {
		return control.Status{Level: control.LevelSuccess, Text: name + " ok"}
	}
	return f.next
}

func (f *fakeCommands) SaveConfig(c, a string) control.Status {
	f.mu.Lock()
	f.saved = [2]string{c, a}
	f.mu.Unlock()
	return f.record("save-config")
}
func (f *fakeCommands) InitializeSession(context.Context) control.Status {
	return f.record("init-session")
}
func (f *fakeCommands) Start() control.Status                  { return f.record("start") }
func (f *fakeCommands) Stop() control.Status                   { return f.record("stop") }
func (f *fakeCommands) SendTest(context.Context) control.Status { return f.record("test") }
func (f *fakeCommands) Snapshot() control.View {
	return control.View{Config: state.Snapshot{CredentialSet: true, Credential: state.Mask("gsk_0123456789abcdef"), TargetAddress: "https://chat.example/invite/x"}}
}

type fakeHistory struct{ runs []dispatch.Run }

func (h fakeHistory) Recent(context.Context, int) ([]dispatch.Run, error) { return h.runs, nil }

func newTestService(cfg Config) (*Service, *fakeCommands) {
	cmds := &fakeCommands{}
	hist := fakeHistory{runs: []dispatch.Run{{Job: "dispatch-1130", Slot: dispatch.Slots[0].Label, Status: dispatch.StatusSent, StartedAt: time.Now()}}}
	return New(cfg, cmds, hist, logx.Nop()), cmds
}

func TestCommandsRedirectWithStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"/init-session", "init-session"},
		{"/start", "start"},
		{"/stop", "stop"},
		{"/test", "test"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			s, cmds := newTestService(Config{RatePerSec: 100})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
			if rec.Code != http.StatusSeeOther {
				t.Fatalf("code = %d", rec.Code)
			}
			loc, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatalf("location: %v", err)
			}
			if loc.Path != "/" || loc.Query().Get("message") != tt.want+" ok" || loc.Query().Get("level") != "success" {
				t.Fatalf("location = %s", loc)
			}
			if len(cmds.calls) != 1 || cmds.calls[0] != tt.want {
				t.Fatalf("calls = %v", cmds.calls)
			}
		})
	}
}

func TestSaveConfigReadsForm(t *testing.T) {
	t.Parallel()
	s, cmds := newTestService(Config{})
	form := url.Values{"api_key": {"gsk_abc"}, "group_link": {"https://chat.example/invite/x"}}
	req := httptest.NewRequest(http.MethodPost, "/save-config", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("code = %d", rec.Code)
	}
	if cmds.saved != [2]string{"gsk_abc", "https://chat.example/invite/x"} {
		t.Fatalf("saved = %v", cmds.saved)
	}
}

func TestIndexRendersMaskedState(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?message=Scheduler+started&level=success", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Scheduler started", "gsk_********cdef", "https://chat.example/invite/x", dispatch.Slots[0].Label} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q", want)
		}
	}
	if strings.Contains(body, "0123456789ab") {
		t.Fatal("credential leaked into the page")
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var got struct {
		Config struct {
			CredentialSet bool   `json:"credential_set"`
			Credential    string `json:"credential"`
		} `json:"config"`
		Runs []dispatch.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if !got.Config.CredentialSet || got.Config.Credential != "gsk_********cdef" || len(got.Runs) != 1 {
		t.Fatalf("status = %+v", got)
	}
}

func TestTokenMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		got, want string
		ok        bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cre", "s3cret", false},
		{"s3cret!", "s3cret", false},
		{"", "s3cret", false},
		{"S3CRET", "s3cret", false},
	}
	for _, tt := range tests {
		if got := tokenMatch(tt.got, tt.want); got != tt.ok {
			t.Fatalf("tokenMatch(%q, %q) = %v", tt.got, tt.want, got)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s, cmds := newTestService(Config{Token: "s3cret"})
	h := s.Handler()

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/start", "", http.StatusUnauthorized},
		{"wrong query", "/start?token=nope", "", http.StatusUnauthorized},
		{"query prefix", "/start?token=s3cre", "", http.StatusUnauthorized},
		{"query extended", "/start?token=s3cret2", "", http.StatusUnauthorized},
		{"wrong bearer", "/start", "Bearer s3cre", http.StatusUnauthorized},
		{"query token", "/start?token=s3cret", "", http.StatusSeeOther},
		{"bearer", "/start", "Bearer s3cret", http.StatusSeeOther},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, tt.target, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: code = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if len(cmds.calls) != 2 {
		t.Fatalf("calls = %v", cmds.calls)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stop?token=s3cret", nil))
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("token") != "s3cret" {
		t.Fatalf("redirect dropped token: %s", loc)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}

func TestCommandRateLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{RatePerSec: 1}) // burst 2
	h := s.Handler()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stop", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusSeeOther || codes[1] != http.StatusSeeOther || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s, cmds := newTestService(Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/start", nil))
	if rec.Code != http.StatusMethodNotAllowed || len(cmds.calls) != 0 {
		t.Fatalf("code = %d calls = %v", rec.Code, cmds.calls)
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never bound")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still bound after stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{Addr: "0.0.0.0:0"})
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure bind") {
		t.Fatalf("err = %v", err)
	}
}
