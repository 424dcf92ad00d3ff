package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

// Document is one file to upload for ingestion.
type Document struct {
	Name    string
	Content io.Reader
}

// UploadDocuments sends files as multipart form data, one "file" part each.
// POST /data/upload
func (c *Client) UploadDocuments(ctx context.Context, docs []Document) (*domain.MessageResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, doc := range docs {
		part, err := writer.CreateFormFile("file", doc.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form part for %s: %w", doc.Name, err)
		}
		if _, err := io.Copy(part, doc.Content); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", doc.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/data/upload", nil, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp domain.MessageResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("failed to upload documents: %w", err)
	}
	return &resp, nil
}
