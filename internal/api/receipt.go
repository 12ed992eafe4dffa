package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// ReceiptUpload is a receipt image and the worksheet its entries are appended to.
type ReceiptUpload struct {
	Image         io.Reader
	Filename      string
	ContentType   string
	SpreadsheetID string
	WorksheetName string
	Note          string
}

// ProcessReceipt streams the receipt to the backend as multipart form data.
func (c *Client) ProcessReceipt(ctx context.Context, upload ReceiptUpload) (*StatusMessage, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeReceipt(writer, upload))
	}()

	r := request{
		method:      http.MethodPost,
		endpoint:    "/process-receipt",
		body:        pr,
		contentType: writer.FormDataContentType(),
	}

	var result StatusMessage
	ok, err := c.do(ctx, r, &result)
	// Unblocks the writer when the request never read the body.
	_ = pr.Close()
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

func writeReceipt(writer *multipart.Writer, upload ReceiptUpload) error {
	filename := upload.Filename
	if filename == "" {
		filename = "receipt"
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if upload.Image != nil {
		if _, err := io.Copy(part, upload.Image); err != nil {
			return fmt.Errorf("copy image: %w", err)
		}
	}

	if err := writer.WriteField("spreadsheet_id", upload.SpreadsheetID); err != nil {
		return err
	}
	if err := writer.WriteField("worksheet_name", upload.WorksheetName); err != nil {
		return err
	}
	if note := strings.TrimSpace(upload.Note); note != "" {
		if err := writer.WriteField("note", note); err != nil {
			return err
		}
	}
	return writer.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
