package http

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"flyn/internal/api"
	"flyn/internal/auth"
	"flyn/internal/catalog"
	"flyn/internal/forms"
	"flyn/internal/google"
	"flyn/internal/importer"
	"flyn/internal/markdown"
	"flyn/internal/notify"
)

const (
	msgLoginRequired   = "You must be logged in."
	msgGoogleRequired  = "Google authentication is required."
	msgCanvasesFailed  = "Failed to fetch your canvases."
	msgConnecting      = "Connecting and analyzing your sheet..."
	msgConnectFailed   = "Failed to connect sheet."
	msgChooseSheet     = "Please choose a spreadsheet to connect."
	msgNoSummary       = "No summary available. Click to analyze."
	msgSheetsFailed    = "Failed to list your spreadsheets."
	msgTemplatesNotYet = "Creating canvases from templates is not available yet."
	msgFilesNotYet     = "Creating canvases from files is not available yet."
)

const maxUploadBytes = 20 << 20

// spreadsheetSource is the part of the Google workspace the pages use.
type spreadsheetSource interface {
	ListSpreadsheets(ctx context.Context, accessToken, query string) ([]google.Spreadsheet, error)
	GetSpreadsheetName(ctx context.Context, accessToken, spreadsheetID string) (string, error)
	PreviewSpreadsheet(ctx context.Context, accessToken, spreadsheetID string, maxRows int) (*google.Preview, error)
}

// PickerConfig enables the client-side Google Picker on the connect page when APIKey is set.
type PickerConfig struct {
	APIKey   string
	ClientID string
}

type canvasCard struct {
	SpreadsheetID string
	Name          string
	Summary       template.HTML
	UpdatedAt     time.Time
}

type homeView struct {
	Welcome   string
	Canvases  []canvasCard
	Templates []catalog.Template
}

type pickerView struct {
	APIKey   string
	ClientID string
	Token    string
}

type connectView struct {
	Query        string
	Spreadsheets []google.Spreadsheet
	Message      string
	Picker       pickerView
}

// HomeHandler serves the canvas list and the three ways of creating a canvas.
type HomeHandler struct {
	backend    *api.Client
	sheets     spreadsheetSource
	templates  *catalog.Catalog
	statements *importer.CSVImporter
	markdown   *markdown.Renderer
	notices    *notify.Hub
	views      *views
	picker     PickerConfig
	logger     *slog.Logger
}

// NewHomeHandler creates a HomeHandler.
func NewHomeHandler(backend *api.Client, sheets spreadsheetSource, templates *catalog.Catalog, renderer *markdown.Renderer, notices *notify.Hub, views *views, picker PickerConfig, logger *slog.Logger) *HomeHandler {
	return &HomeHandler{
		backend:    backend,
		sheets:     sheets,
		templates:  templates,
		statements: importer.NewCSVImporter(),
		markdown:   renderer,
		notices:    notices,
		views:      views,
		picker:     picker,
		logger:     logger,
	}
}

func (h *HomeHandler) center(r *http.Request) *notify.Center {
	return h.notices.For(sessionKeyFromContext(r.Context()))
}

// Home handles GET /.
func (h *HomeHandler) Home(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	center := h.center(r)

	view := homeView{Welcome: welcomeMessage(session), Templates: h.templates.All()}

	canvases, err := h.backend.ListCanvases(r.Context())
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Unauthenticated() {
			http.Redirect(w, r, "/login?message="+url.QueryEscape(msgLoginRequired), http.StatusSeeOther)
			return
		}
		center.Error("", messageFor(err, msgCanvasesFailed))
	}

	for _, c := range canvases {
		card := canvasCard{SpreadsheetID: c.GoogleSpreadsheetID, Name: c.DisplayName(), UpdatedAt: c.UpdatedAt}
		card.Summary = template.HTML(template.HTMLEscapeString(msgNoSummary))
		if strings.TrimSpace(c.SchemaSummary) != "" {
			if rendered, err := h.markdown.Render(c.SchemaSummary); err != nil {
				h.logger.Warn("render schema summary", "canvas_id", c.ID, "error", err)
				card.Summary = template.HTML(template.HTMLEscapeString(c.SchemaSummary))
			} else {
				card.Summary = rendered
			}
		}
		view.Canvases = append(view.Canvases, card)
	}

	h.views.render(w, r, http.StatusOK, "home", page{
		Title:         "Home",
		Notifications: center.List(),
		ExtraCSS:      h.markdown.CSS(),
		Data:          view,
	})
}

func welcomeMessage(session *auth.Session) string {
	if session == nil {
		return "Welcome Back!"
	}
	if name := session.User.DisplayName(); name != "" {
		return "Welcome Back, " + name
	}
	return "Welcome Back!"
}

// ConnectPage handles GET /connect: the spreadsheet picker. Without a Google token the user is sent
// through Google sign-in with the Sheets and Drive scopes first.
func (h *HomeHandler) ConnectPage(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	center := h.center(r)

	if !session.HasGoogleAccess() {
		center.Error("", msgGoogleRequired)
		http.Redirect(w, r, "/auth/google?redirectTo="+url.QueryEscape("/connect"), http.StatusSeeOther)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	view := connectView{Query: query}
	if h.picker.APIKey != "" {
		view.Picker = pickerView{APIKey: h.picker.APIKey, ClientID: h.picker.ClientID, Token: session.ProviderToken}
	}

	files, err := h.sheets.ListSpreadsheets(r.Context(), session.ProviderToken, query)
	switch {
	case errors.Is(err, google.ErrAuthorizationRequired):
		center.Error("", msgGoogleRequired)
		http.Redirect(w, r, "/auth/google?redirectTo="+url.QueryEscape("/connect"), http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("list spreadsheets", "error", err)
		view.Message = msgSheetsFailed
	}
	view.Spreadsheets = files

	h.views.render(w, r, http.StatusOK, "connect", page{
		Title:         "Connect a sheet",
		Notifications: center.List(),
		Data:          view,
	})
}

type connectRequest struct {
	SpreadsheetID string `json:"spreadsheetId"`
	Name          string `json:"name"`
}

// Connect handles POST /connect: register the spreadsheet, then refresh its schema. The user only
// moves on to the document view when both calls succeed.
func (h *HomeHandler) Connect(w http.ResponseWriter, r *http.Request) {
	jsonRequest := wantsJSON(r)

	var req connectRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeJSONError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		req.SpreadsheetID = r.PostFormValue("spreadsheetId")
		req.Name = r.PostFormValue("name")
	}
	req.SpreadsheetID = strings.TrimSpace(req.SpreadsheetID)

	center := h.center(r)
	if req.SpreadsheetID == "" {
		if jsonRequest {
			writeError(w, http.StatusBadRequest, msgChooseSheet)
			return
		}
		center.Error("", msgChooseSheet)
		http.Redirect(w, r, "/connect", http.StatusSeeOther)
		return
	}

	name := strings.TrimSpace(req.Name)
	h.logger.Info("connecting sheet", "spreadsheet_id", req.SpreadsheetID, "name", name)
	toastID := center.Loading(msgConnecting)

	if err := h.connect(r.Context(), req.SpreadsheetID, name); err != nil {
		h.logger.Error("connect sheet failed", "spreadsheet_id", req.SpreadsheetID, "error", err)
		center.Error(toastID, messageFor(err, msgConnectFailed))
		if jsonRequest {
			writeAPIError(w, err, msgConnectFailed)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	center.Success(toastID, fmt.Sprintf("'%s' connected successfully!", name))
	target := "/document/" + url.PathEscape(req.SpreadsheetID)
	if jsonRequest {
		writeJSON(w, http.StatusOK, map[string]string{"redirectTo": target})
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *HomeHandler) connect(ctx context.Context, spreadsheetID, name string) error {
	if _, err := h.backend.RegisterSpreadsheet(ctx, spreadsheetID, name); err != nil {
		return fmt.Errorf("register spreadsheet: %w", err)
	}
	if _, err := h.backend.RefreshSchema(ctx, spreadsheetID); err != nil {
		return fmt.Errorf("refresh schema: %w", err)
	}
	return nil
}

// CreateFromTemplate handles POST /templates.
func (h *HomeHandler) CreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	center := h.center(r)
	tmpl, err := h.templates.Select(r.PostFormValue("templateId"))
	switch {
	case errors.Is(err, catalog.ErrTemplateRequired):
		center.Error("", "Please choose a template.")
	case err != nil:
		h.logger.Warn("unknown template selected", "error", err)
		center.Error("", "Please choose one of the listed templates.")
	default:
		h.logger.Info("create canvas from template requested", "template_id", tmpl.ID)
		center.Info(msgTemplatesNotYet)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// CreateFromFile handles POST /upload. A blank canvas name is filled in from the file name.
func (h *HomeHandler) CreateFromFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.center(r).Error("", "The selected file is too large or unreadable.")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	form := forms.Upload{CanvasName: strings.TrimSpace(r.FormValue("canvasName"))}
	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		form.Filename = header.Filename
	}
	if form.CanvasName == "" && form.Filename != "" {
		form.CanvasName = forms.SuggestCanvasName(form.Filename)
	}

	center := h.center(r)
	if errs := form.Validate(); !errs.Valid() {
		for _, field := range []string{"file", "canvasName"} {
			if msg := errs.Get(field); msg != "" {
				center.Error("", msg)
				break
			}
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	h.logger.Info("create canvas from file requested", "filename", form.Filename, "canvas_name", form.CanvasName)
	if !strings.EqualFold(filepath.Ext(form.Filename), ".csv") {
		center.Info(msgFilesNotYet)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	summary, err := h.statements.Inspect(file)
	if err != nil {
		h.logger.Warn("statement rejected", "filename", form.Filename, "error", err)
		center.Error("", "We couldn't read that statement: "+strings.TrimPrefix(err.Error(), importer.ErrInvalidCSV.Error()+": "))
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	center.Info(fmt.Sprintf("Read %d transactions from '%s' (net %s). %s",
		summary.TotalRows, form.CanvasName, summary.NetAmount.StringFixed(2), msgFilesNotYet))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
