package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nanainternational/nana-renewal-sub000/internal/aicopy"
	"github.com/nanainternational/nana-renewal-sub000/internal/auth"
	"github.com/nanainternational/nana-renewal-sub000/internal/compositor"
	"github.com/nanainternational/nana-renewal-sub000/internal/extraction"
	"github.com/nanainternational/nana-renewal-sub000/internal/storage"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

const maxRequestBody = 1 << 20

// Extractor runs product-page extraction.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (*types.ExtractionResult, error)
	Latest(ctx context.Context, userID string) (*types.ExtractionResult, error)
}

// CopyGenerator produces cached, credit-charged listing copy.
type CopyGenerator interface {
	Generate(ctx context.Context, req aicopy.Request) (*aicopy.Result, error)
}

// Wallet reads balances and history.
type Wallet interface {
	Balance(ctx context.Context, userID string) (int64, error)
	storage.HistoryReader
}

// Composer renders detail pages.
type Composer interface {
	Compose(ctx context.Context, in compositor.Input) (*compositor.Output, error)
}

// Archiver keeps a copy of composed pages.
type Archiver interface {
	SaveArtifact(ctx context.Context, art storage.Artifact) (string, error)
}

// Dependencies are the services behind the API. Archive is optional.
type Dependencies struct {
	Extractor  Extractor
	Generator  CopyGenerator
	Wallet     Wallet
	Composer   Composer
	Archive    Archiver
	ImageProxy http.Handler
	ProxyPath  string
	Verifier   *auth.Verifier
	Logger     *slog.Logger
}

// Server exposes the extraction, copy generation and compositing API.
type Server struct {
	deps    Dependencies
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ProxyPath == "" {
		deps.ProxyPath = "/api/image-proxy"
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	s.handler = requestLogger(logger, deps.Verifier.Middleware(s.mux))
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/extract", s.handleExtract)
	s.mux.HandleFunc("/api/extract/latest", s.handleLatestExtraction)
	s.mux.HandleFunc("/api/ai/detail", s.handleAIDetail)
	s.mux.HandleFunc("/api/ai/history", s.handleAIHistory)
	s.mux.HandleFunc("/api/wallet", s.handleWallet)
	s.mux.HandleFunc("/api/wallet/usage", s.handleWalletUsage)
	s.mux.HandleFunc("/api/detail-page/compose", s.handleCompose)
	if s.deps.ImageProxy != nil {
		s.mux.Handle(s.deps.ProxyPath, s.deps.ImageProxy)
	}
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ExtractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	res, err := s.deps.Extractor.Extract(r.Context(), extraction.Request{
		URL:    req.URL,
		UserID: auth.UserID(r.Context()),
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newExtractResponse(res))
}

func (s *Server) handleLatestExtraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Extractor.Latest(r.Context(), user)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newExtractResponse(res))
}

func (s *Server) handleAIDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req AIDetailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	images := req.ImageURLs
	if single := strings.TrimSpace(req.ImageURL); single != "" {
		images = append([]string{single}, images...)
	}
	res, err := s.deps.Generator.Generate(r.Context(), aicopy.Request{
		UserID:        user,
		SourceURL:     req.SourceURL,
		ImageURLs:     images,
		PromptVersion: req.PromptVersion,
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AIDetailResponse{
		OK:              true,
		Cached:          res.Cached,
		ProductName:     res.ProductName,
		Editor:          res.Editor,
		CoupangKeywords: nonNilStrings(res.CoupangKeywords),
		AblyKeywords:    nonNilStrings(res.AblyKeywords),
		Balance:         res.Balance,
	})
}

func (s *Server) handleAIHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	params, err := listParams(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	page, err := s.deps.Wallet.ListGenerations(r.Context(), user, params)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerationHistoryResponse{OK: true, GenerationPage: page})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	balance, err := s.deps.Wallet.Balance(r.Context(), user)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{OK: true, Balance: balance})
}

func (s *Server) handleWalletUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	params, err := listParams(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	page, err := s.deps.Wallet.ListUsage(r.Context(), user, params)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageHistoryResponse{OK: true, UsagePage: page})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ComposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	out, err := s.deps.Composer.Compose(r.Context(), compositor.Input{
		Title:     req.Title,
		Comment:   req.Comment,
		ImageURLs: req.ImageURLs,
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	if s.deps.Archive != nil {
		path, err := s.deps.Archive.SaveArtifact(r.Context(), storage.Artifact{
			UserID:      auth.UserID(r.Context()),
			Filename:    out.Filename,
			ContentType: out.ContentType,
			Data:        out.Data,
		})
		if err != nil {
			s.logger.Warn("archive composed page", "filename", out.Filename, "error", err)
		} else {
			s.logger.Debug("composed page archived", "path", path)
		}
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set("X-Images-Used", strconv.Itoa(out.ImagesUsed))
	w.Header().Set("X-Images-Skipped", strconv.Itoa(out.ImagesSkipped))
	if out.Truncated {
		w.Header().Set("X-Composition-Truncated", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := auth.UserID(r.Context())
	if user == "" {
		writeError(w, r, s.logger, errUnauthorized)
		return "", false
	}
	return user, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json payload: %v", errInvalidInput, err)
	}
	return nil
}

func listParams(r *http.Request) (storage.ListParams, error) {
	var params storage.ListParams
	q := r.URL.Query()
	for key, dst := range map[string]*int{"page": &params.Page, "page_size": &params.PageSize} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return params, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidInput, key)
		}
		*dst = v
	}
	return params, nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
