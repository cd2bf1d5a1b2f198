package panel

import (
	"crypto/subtle"
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"groupbot/internal/control"
	"groupbot/internal/dispatch"
	logx "groupbot/pkg/logx"
)

//go:embed templates/index.html.tmpl
var templateFS embed.FS

var indexTmpl = template.Must(template.New("index.html.tmpl").Funcs(template.FuncMap{
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("2006-01-02 15:04:05 MST")
	},
}).ParseFS(templateFS, "templates/index.html.tmpl"))

const historyLimit = 20

type page struct {
	View    control.View
	Runs    []dispatch.Run
	Message string
	Level   string
	// Query is appended to form actions so a ?token= login survives the redirect.
	Query template.URL
}

type statusBody struct {
	control.View
	Runs []dispatch.Run `json:"runs,omitempty"`
}

// Handler builds the route table. It is exported for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	token := s.cfg.Token
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }
	mux.HandleFunc("GET /{$}", wrap(s.index))
	mux.HandleFunc("GET /api/status", wrap(s.status))
	mux.HandleFunc("GET /api/runs", wrap(s.runs))

	cmd := func(h func(r *http.Request) control.Status) http.HandlerFunc {
		return wrap(s.limited(func(w http.ResponseWriter, r *http.Request) {
			s.redirect(w, r, h(r))
		}))
	}
	mux.HandleFunc("POST /save-config", cmd(func(r *http.Request) control.Status {
		return s.cmds.SaveConfig(r.PostFormValue("api_key"), r.PostFormValue("group_link"))
	}))
	mux.HandleFunc("POST /init-session", cmd(func(r *http.Request) control.Status {
		return s.cmds.InitializeSession(r.Context())
	}))
	mux.HandleFunc("POST /start", cmd(func(*http.Request) control.Status { return s.cmds.Start() }))
	mux.HandleFunc("POST /stop", cmd(func(*http.Request) control.Status { return s.cmds.Stop() }))
	mux.HandleFunc("POST /test", cmd(func(r *http.Request) control.Status {
		return s.cmds.SendTest(r.Context())
	}))
	return mux
}

func (s *Service) index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := page{
		View:    s.cmds.Snapshot(),
		Runs:    s.recent(r),
		Message: q.Get("message"),
		Level:   q.Get("level"),
	}
	if tok := q.Get("token"); tok != "" {
		p.Query = template.URL("?token=" + url.QueryEscape(tok))
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, p); err != nil {
		s.log.Warn("render index failed", logx.Err(err))
	}
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusBody{View: s.cmds.Snapshot(), Runs: s.recent(r)})
}

func (s *Service) runs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	runs, err := s.history.Recent(r.Context(), historyLimit)
	if err != nil {
		s.log.Warn("load history failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Service) recent(r *http.Request) []dispatch.Run {
	if s.history == nil {
		return nil
	}
	runs, err := s.history.Recent(r.Context(), historyLimit)
	if err != nil {
		s.log.Debug("load history failed", logx.Err(err))
		return nil
	}
	return runs
}

func (s *Service) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}

// redirect sends the browser back to the page with the status in the query.
func (s *Service) redirect(w http.ResponseWriter, r *http.Request, st control.Status) {
	q := url.Values{}
	q.Set("message", st.Text)
	q.Set("level", string(st.Level))
	if tok := r.URL.Query().Get("token"); tok != "" {
		q.Set("token", tok)
	}
	http.Redirect(w, r, "/?"+q.Encode(), http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenMatch(got, tok) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && tokenMatch(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func tokenMatch(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
