// Package api exposes the sealed-asset operations over HTTP. Routing is
// hand-rolled on method and path; every response carries a request id
// and errors are uniform JSON.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/storage/engine"
)

const (
	headerIdentity    = "X-Sealstream-Identity"
	headerRecipient   = "X-Sealstream-Recipient"
	headerExpiryHours = "X-Sealstream-Expiry-Hours"
	headerFilename    = "X-Sealstream-Filename"
	headerPrivateKey  = "X-Sealstream-Private-Key"
	headerRequestID   = "X-Sealstream-Request-Id"
)

// Handler serves the /v1 asset API.
type Handler struct {
	Engine *engine.Engine
}

type assetJSON struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimetype"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

func toAssetJSON(a *asset.Asset) assetJSON {
	return assetJSON{
		ID:         a.ID,
		Sender:     a.Sender,
		Recipient:  a.Recipient,
		Filename:   a.Filename,
		MimeType:   a.MimeType,
		TotalSize:  a.TotalSize,
		ChunkSize:  a.ChunkSize,
		ChunkCount: a.ChunkCount,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:  a.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()
	w.Header().Set(headerRequestID, requestID)

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/v1/assets" && r.Method == http.MethodPost:
		h.handleIngest(w, r, requestID)
	case path == "/v1/assets" && r.Method == http.MethodGet:
		h.handleList(w, r, requestID)
	default:
		rest, ok := strings.CutPrefix(path, "/v1/assets/")
		if !ok || rest == "" {
			writeError(w, http.StatusNotFound, "NoSuchRoute", "unknown route", requestID)
			return
		}
		assetID, tail, hasTail := strings.Cut(rest, "/")
		switch {
		case !hasTail && r.Method == http.MethodGet:
			h.handleInfo(w, r, assetID, requestID)
		case !hasTail && r.Method == http.MethodDelete:
			h.handleRevoke(w, r, assetID, requestID)
		case hasTail && tail == "content" && r.Method == http.MethodGet:
			h.handleStream(w, r, assetID, requestID)
		default:
			writeError(w, http.StatusNotFound, "NoSuchRoute", "unknown route", requestID)
		}
	}
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request, requestID string) {
	req := engine.IngestRequest{
		Sender:       r.Header.Get(headerIdentity),
		Recipient:    r.Header.Get(headerRecipient),
		Filename:     r.Header.Get(headerFilename),
		MimeType:     r.Header.Get("Content-Type"),
		DeclaredSize: r.ContentLength,
		Body:         r.Body,
	}
	if hours := r.Header.Get(headerExpiryHours); hours != "" {
		n, err := strconv.Atoi(hours)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "bad expiry hours", requestID)
			return
		}
		req.ExpiresIn = time.Duration(n) * time.Hour
	}

	a, err := h.Engine.Ingest(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toAssetJSON(a))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, requestID string) {
	identity := r.Header.Get(headerIdentity)
	assets, err := h.Engine.List(r.Context(), identity)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	out := struct {
		Assets []assetJSON `json:"assets"`
	}{Assets: make([]assetJSON, 0, len(assets))}
	for i := range assets {
		out.Assets = append(out.Assets, toAssetJSON(&assets[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request, assetID, requestID string) {
	a, err := h.Engine.Info(r.Context(), assetID, r.Header.Get(headerIdentity))
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAssetJSON(a))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, assetID, requestID string) {
	if err := h.Engine.Revoke(r.Context(), assetID, r.Header.Get(headerIdentity)); err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, assetID, requestID string) {
	cred := engine.Credential{
		Identity:   r.Header.Get(headerIdentity),
		PrivateKey: r.Header.Get(headerPrivateKey),
	}

	// Authorization and existence are settled against the metadata
	// before any range math so error precedence stays stable.
	a, err := h.Engine.Info(r.Context(), assetID, cred.Identity)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}

	var br *engine.ByteRange
	partial := false
	if header := r.Header.Get("Range"); header != "" {
		start, end, ok := parseRange(header, a.TotalSize)
		if !ok {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(a.TotalSize, 10))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "requested range not satisfiable", requestID)
			return
		}
		br = &engine.ByteRange{Start: start, End: end}
		partial = true
	}

	s, err := h.Engine.OpenStream(r.Context(), assetID, cred, br)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	defer s.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(s.End-s.Start, 10))
	if a.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	}
	if partial {
		w.Header().Set("Content-Range", formatContentRange(s.Start, s.End, a.TotalSize))
		w.WriteHeader(http.StatusPartialContent)
	}

	if _, err := io.Copy(w, s); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		log.Printf("stream copy failed asset=%s req_id=%s err=%v", assetID, requestID, err)
	}
}
