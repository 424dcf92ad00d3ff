// Package ingest is the admin-side knowledge ingestion service: PDF uploads
// and web pages submitted by URL.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/campuschat/internal/backend"
	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

var (
	// ErrNoDocuments is returned when an upload has nothing to send.
	ErrNoDocuments = errors.New("ingest: select at least one PDF file")
	// ErrNotPDF is returned for a document that is not a PDF.
	ErrNotPDF = errors.New("ingest: only PDF files are accepted")
	// ErrInvalidURL is returned for a blank or non-http(s) URL.
	ErrInvalidURL = errors.New("ingest: invalid URL")
)

var pdfMagic = []byte("%PDF")

// Backend is the part of the REST API ingestion uses.
type Backend interface {
	UploadDocuments(ctx context.Context, docs []backend.Document) (*domain.MessageResponse, error)
	IngestURLs(ctx context.Context, urls []string) (*domain.MessageResponse, error)
}

// Service submits content for ingestion.
type Service struct {
	backend        Backend
	onUnauthorized func(ctx context.Context)

	mu       sync.Mutex
	inflight int
}

// NewService creates an ingestion service. onUnauthorized may be nil.
func NewService(b Backend, onUnauthorized func(ctx context.Context)) *Service {
	return &Service{backend: b, onUnauthorized: onUnauthorized}
}

// Busy reports whether any submission is in flight.
func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

func (s *Service) begin() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *Service) end() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// UploadDocuments validates that every document is a PDF and uploads them
// in one request. It returns the server's message.
func (s *Service) UploadDocuments(ctx context.Context, docs []backend.Document) (string, error) {
	if len(docs) == 0 {
		return "", ErrNoDocuments
	}

	checked := make([]backend.Document, 0, len(docs))
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Content == nil {
			return "", fmt.Errorf("%w: %s is empty", ErrNotPDF, doc.Name)
		}
		br := bufio.NewReader(doc.Content)
		if !isPDF(doc.Name, br) {
			return "", fmt.Errorf("%w: %s", ErrNotPDF, doc.Name)
		}
		checked = append(checked, backend.Document{Name: doc.Name, Content: br})
		names = append(names, doc.Name)
	}

	s.begin()
	defer s.end()

	resp, err := s.backend.UploadDocuments(ctx, checked)
	if err != nil {
		return "", s.fail(ctx, err)
	}
	if resp.Message != "" {
		return resp.Message, nil
	}
	return fmt.Sprintf("PDF '%s' uploaded and ingestion started!", strings.Join(names, "', '")), nil
}

// UploadFiles reads PDFs from disk and uploads them.
func (s *Service) UploadFiles(ctx context.Context, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoDocuments
	}
	docs := make([]backend.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, backend.Document{Name: filepath.Base(path), Content: bytes.NewReader(data)})
	}
	return s.UploadDocuments(ctx, docs)
}

// IngestURLs validates and submits web pages. It returns the server's message.
func (s *Service) IngestURLs(ctx context.Context, raw []string) (string, error) {
	urls := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if err := validateURL(r); err != nil {
			return "", err
		}
		urls = append(urls, r)
	}
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: enter a URL to ingest", ErrInvalidURL)
	}

	s.begin()
	defer s.end()

	resp, err := s.backend.IngestURLs(ctx, urls)
	if err != nil {
		return "", s.fail(ctx, err)
	}
	if resp.Message != "" {
		return resp.Message, nil
	}
	return fmt.Sprintf("URL '%s' ingested successfully!", strings.Join(urls, "', '")), nil
}

// fail reports a rejected credential and returns err unchanged so callers
// can show the server's message.
func (s *Service) fail(ctx context.Context, err error) error {
	if backend.IsUnauthorized(err) {
		log.Printf("WARN: ingestion rejected, credential expired: %v", err)
		if s.onUnauthorized != nil {
			s.onUnauthorized(ctx)
		}
	} else {
		log.Printf("ERROR: ingestion failed: %v", err)
	}
	return err
}

func isPDF(name string, br *bufio.Reader) bool {
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return false
	}
	head, err := br.Peek(len(pdfMagic))
	return err == nil && bytes.Equal(head, pdfMagic)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return nil
}
