package http

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"flyn/internal/auth"
	"flyn/internal/notify"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"home", "login", "signup", "connect", "document", "sheet"}

// page is the data every template receives. Data carries the page-specific view model.
type page struct {
	Title         string
	User          *auth.User
	Notifications []notify.Notification
	ExtraCSS      template.CSS
	Data          any
}

type views struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

func newViews(logger *slog.Logger) (*views, error) {
	funcs := template.FuncMap{
		"initial": func(s string) string {
			for _, r := range strings.TrimSpace(s) {
				return strings.ToUpper(string(r))
			}
			return "?"
		},
		"datetime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format("Jan 2, 2006 3:04 PM")
		},
	}

	base, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	v := &views{pages: make(map[string]*template.Template, len(pageNames)), logger: logger}
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name+".html"); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		v.pages[name] = clone
	}
	return v, nil
}

// render executes the named page into a buffer first so a template failure never sends a partial page.
func (v *views) render(w http.ResponseWriter, r *http.Request, status int, name string, data page) {
	tmpl, ok := v.pages[name]
	if !ok {
		v.logger.Error("unknown page template", "name", name)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if data.User == nil {
		if session := auth.SessionFromContext(r.Context()); session != nil {
			user := session.User
			data.User = &user
		}
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		v.logger.Error("render page", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
