package http

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"flyn/internal/api"
	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/exporter"
	"flyn/internal/forms"
	"flyn/internal/google"
	"flyn/internal/notify"
)

const (
	msgAnalyzing     = "Analyzing your document..."
	msgEntryAdded    = "Successfully added entry!"
	msgEntryFailed   = "Failed to process document."
	msgPreviewFailed = "Failed to load the spreadsheet preview."
	previewRows      = 25
	maxReceiptBytes  = 10 << 20
)

type documentView struct {
	SpreadsheetID string
	CanvasName    string
	Refreshing    bool
	Worksheets    []string
	Worksheet     string
	Note          string
	Errors        forms.Errors
}

type sheetView struct {
	SpreadsheetID string
	CanvasName    string
	Refreshing    bool
	Preview       *google.Preview
	Message       string
}

// DocumentHandler serves the document view (chat) and the sheet view of one canvas. Every route sits
// behind the canvas middleware, so the view's canvas.State is always on the request context.
type DocumentHandler struct {
	backend  *api.Client
	sheets   spreadsheetSource
	exporter *exporter.CSVExporter
	canvases *canvas.Registry
	notices  *notify.Hub
	views    *views
	logger   *slog.Logger
}

// NewDocumentHandler creates a DocumentHandler.
func NewDocumentHandler(backend *api.Client, sheets spreadsheetSource, canvases *canvas.Registry, notices *notify.Hub, views *views, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		backend:  backend,
		sheets:   sheets,
		exporter: exporter.NewCSVExporter(),
		canvases: canvases,
		notices:  notices,
		views:    views,
		logger:   logger,
	}
}

func (h *DocumentHandler) center(r *http.Request) *notify.Center {
	return h.notices.For(sessionKeyFromContext(r.Context()))
}

// Document handles GET /document/{id}.
func (h *DocumentHandler) Document(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())
	h.resolveCanvasName(r.Context(), state)
	h.renderDocument(w, r, http.StatusOK, state, forms.DefaultWorksheet, "", nil)
}

func (h *DocumentHandler) renderDocument(w http.ResponseWriter, r *http.Request, status int, state *canvas.State, worksheet, note string, errs forms.Errors) {
	view := documentView{
		SpreadsheetID: state.SpreadsheetID(),
		CanvasName:    state.CanvasName(),
		Refreshing:    state.IsRefreshing(),
		Worksheets:    h.worksheets(r.Context(), state.SpreadsheetID()),
		Worksheet:     worksheet,
		Note:          note,
		Errors:        errs,
	}
	h.views.render(w, r, status, "document", page{
		Title:         view.CanvasName,
		Notifications: h.center(r).List(),
		Data:          view,
	})
}

// worksheets lists the spreadsheet's tabs for the receipt form, always offering the default tab.
func (h *DocumentHandler) worksheets(ctx context.Context, spreadsheetID string) []string {
	names, err := h.backend.ListWorksheets(ctx, spreadsheetID)
	if err != nil {
		h.logger.Debug("list worksheets for receipt form", "spreadsheet_id", spreadsheetID, "error", err)
	}
	for _, name := range names {
		if name == forms.DefaultWorksheet {
			return names
		}
	}
	return append([]string{forms.DefaultWorksheet}, names...)
}

// resolveCanvasName replaces the placeholder name once, from the backend's canvas list or Drive.
func (h *DocumentHandler) resolveCanvasName(ctx context.Context, state *canvas.State) {
	if state.CanvasName() != canvas.DefaultCanvasName {
		return
	}
	id := state.SpreadsheetID()

	canvases, err := h.backend.ListCanvases(ctx)
	if err == nil {
		for _, c := range canvases {
			if c.GoogleSpreadsheetID == id {
				state.SetCanvasName(c.DisplayName())
				return
			}
		}
	}

	if session := auth.SessionFromContext(ctx); session.HasGoogleAccess() {
		if name, err := h.sheets.GetSpreadsheetName(ctx, session.ProviderToken, id); err == nil && name != "" {
			state.SetCanvasName(name)
		}
	}
}

// Sheet handles GET /sheet/{id}: a read-only preview of the spreadsheet.
func (h *DocumentHandler) Sheet(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())
	session := auth.SessionFromContext(r.Context())
	center := h.center(r)
	id := state.SpreadsheetID()

	view := sheetView{SpreadsheetID: id}
	preview, err := h.sheets.PreviewSpreadsheet(r.Context(), session.ProviderToken, id, previewRows)
	switch {
	case errors.Is(err, google.ErrAuthorizationRequired):
		center.Error("", msgGoogleRequired)
		http.Redirect(w, r, "/auth/google?redirectTo="+url.QueryEscape("/sheet/"+id), http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("preview spreadsheet", "spreadsheet_id", id, "error", err)
		view.Message = msgPreviewFailed
		h.resolveCanvasName(r.Context(), state)
	default:
		view.Preview = preview
		if state.CanvasName() == canvas.DefaultCanvasName && preview.Title != "" {
			state.SetCanvasName(preview.Title)
		}
	}

	view.CanvasName = state.CanvasName()
	view.Refreshing = state.IsRefreshing()
	h.views.render(w, r, http.StatusOK, "sheet", page{
		Title:         view.CanvasName,
		Notifications: center.List(),
		Data:          view,
	})
}

// ExportSheet handles GET /sheet/{id}/export: the previewed rows of one worksheet as a CSV download.
func (h *DocumentHandler) ExportSheet(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())
	session := auth.SessionFromContext(r.Context())
	id := state.SpreadsheetID()
	worksheet := strings.TrimSpace(r.URL.Query().Get("worksheet"))

	preview, err := h.sheets.PreviewSpreadsheet(r.Context(), session.ProviderToken, id, previewRows)
	switch {
	case errors.Is(err, google.ErrAuthorizationRequired):
		h.center(r).Error("", msgGoogleRequired)
		http.Redirect(w, r, "/auth/google?redirectTo="+url.QueryEscape("/sheet/"+id), http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("export spreadsheet", "spreadsheet_id", id, "error", err)
		writeError(w, http.StatusBadGateway, msgPreviewFailed)
		return
	}

	var buf bytes.Buffer
	if err := h.exporter.Export(&buf, preview, worksheet); err != nil {
		if errors.Is(err, exporter.ErrWorksheetNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("write csv export", "spreadsheet_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export worksheet")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": h.exporter.Filename(preview, worksheet),
	}))
	_, _ = w.Write(buf.Bytes())
}

// RefreshSchema handles POST /document/{id}/refresh-schema. The refresh keeps running after the
// response; its progress shows up in the notifications.
func (h *DocumentHandler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())

	err := state.StartRefresh(r.Context(), state.SpreadsheetID())
	if wantsJSON(r) {
		switch {
		case errors.Is(err, canvas.ErrMissingSpreadsheetID):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, map[string]bool{"refreshing": true})
		}
		return
	}
	if err != nil {
		h.logger.Warn("schema refresh not started", "spreadsheet_id", state.SpreadsheetID(), "error", err)
	}

	target := "/document/" + url.PathEscape(state.SpreadsheetID())
	if returnTo := r.FormValue("returnTo"); isValidRedirectPath(returnTo) {
		target = returnTo
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// AddEntry handles POST /document/{id}/entries: the receipt modal.
func (h *DocumentHandler) AddEntry(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxReceiptBytes)
	if err := r.ParseMultipartForm(maxReceiptBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.renderDocument(w, r, http.StatusRequestEntityTooLarge, state, forms.DefaultWorksheet, "",
			forms.Errors{"image": "Receipt image is too large or unreadable"})
		return
	}

	form := forms.Receipt{
		SpreadsheetID: state.SpreadsheetID(),
		WorksheetName: strings.TrimSpace(r.FormValue("worksheetName")),
		Note:          strings.TrimSpace(r.FormValue("note")),
	}
	if _, present := r.Form["worksheetName"]; !present {
		form.WorksheetName = forms.DefaultWorksheet
	}

	file, header, err := r.FormFile("image")
	if err == nil {
		defer file.Close()
		form.HasImage = true
	}

	if errs := form.Validate(); !errs.Valid() {
		h.renderDocument(w, r, http.StatusUnprocessableEntity, state, form.WorksheetName, form.Note, errs)
		return
	}

	center := h.center(r)
	toastID := center.Loading(msgAnalyzing)
	result, err := h.backend.ProcessReceipt(r.Context(), api.ReceiptUpload{
		Image:         file,
		Filename:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		SpreadsheetID: form.SpreadsheetID,
		WorksheetName: form.WorksheetName,
		Note:          form.Note,
	})
	if err != nil {
		center.Error(toastID, messageFor(err, msgEntryFailed))
	} else {
		message := msgEntryAdded
		if result != nil && result.Message != "" {
			message = result.Message
		}
		center.Success(toastID, message)
	}

	http.Redirect(w, r, "/document/"+url.PathEscape(form.SpreadsheetID), http.StatusSeeOther)
}

// Worksheets handles GET /document/{id}/worksheets.
func (h *DocumentHandler) Worksheets(w http.ResponseWriter, r *http.Request) {
	state := canvas.MustFromContext(r.Context())
	names, err := h.backend.ListWorksheets(r.Context(), state.SpreadsheetID())
	if err != nil {
		writeAPIError(w, err, "failed to list worksheets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worksheets": names})
}

// Close handles POST /document/{id}/close: the view is torn down and in-flight work abandoned.
func (h *DocumentHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	h.canvases.Unmount(sessionKeyFromContext(r.Context()), id)
	if wantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
