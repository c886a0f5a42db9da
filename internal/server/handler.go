/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kentakayama/uptane-over-http/internal/director"
	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/primary"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/timeserver"
)

const (
	maxRequestBodyBytes = 4 << 20 // vehicle manifests nest one manifest per ECU report

	ContentTypeCBOR = "application/cbor"
	repoPathPrefix  = "/repo/"
)

// RPC paths.
const (
	PathRegisterECU             = "/director/ecus"
	PathRegisterVehicleManifest = "/director/vehicle-manifests"
	PathRegisterECUManifest     = "/director/ecu-manifests"
	PathRegisterSecondary       = "/primary/secondaries"
	PathSubmitECUManifest       = "/primary/ecu-manifests"
	PathTimeAttestation         = "/primary/time-attestation"
	PathMetadata                = "/primary/metadata"
	PathUpdateExists            = "/primary/update-exists"
	PathImage                   = "/primary/image"
	PathSignedTime              = "/timeserver/signed-time"
)

type handler struct {
	director     *director.Director
	primary      *primary.Primary
	timeserver   *timeserver.Timeserver
	repositories map[string]string
	logger       *log.Logger
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

func newHandler(roles Roles, logger *log.Logger) (*handler, error) {
	for name := range roles.Repositories {
		if name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("%w: repository mirror name %q", domain.ErrInvalidConfig, name)
		}
	}
	return &handler{
		director:     roles.Director,
		primary:      roles.Primary,
		timeserver:   roles.Timeserver,
		repositories: roles.Repositories,
		logger:       logger,
	}, nil
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, repoPathPrefix) {
		h.serveRepository(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	switch {
	case h.director != nil && r.URL.Path == PathRegisterECU:
		h.registerECUSerial(w, r)
	case h.director != nil && r.URL.Path == PathRegisterVehicleManifest:
		h.registerVehicleManifest(w, r)
	case h.director != nil && r.URL.Path == PathRegisterECUManifest:
		h.registerECUManifest(w, r)
	case h.primary != nil && r.URL.Path == PathRegisterSecondary:
		h.registerSecondary(w, r)
	case h.primary != nil && r.URL.Path == PathSubmitECUManifest:
		h.submitECUManifest(w, r)
	case h.primary != nil && r.URL.Path == PathTimeAttestation:
		h.timeAttestation(w, r)
	case h.primary != nil && r.URL.Path == PathMetadata:
		h.metadata(w, r)
	case h.primary != nil && r.URL.Path == PathUpdateExists:
		h.updateExists(w, r)
	case h.primary != nil && r.URL.Path == PathImage:
		h.image(w, r)
	case h.timeserver != nil && r.URL.Path == PathSignedTime:
		h.signedTime(w, r)
	default:
		http.NotFound(w, r)
	}
}

// readRequest decodes a CBOR request body into v, answering the request
// itself when that fails.
func (h *handler) readRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Header.Get("Content-Type") != ContentTypeCBOR {
		h.logger.Printf("content type mismatch: expected %s, actual %v", ContentTypeCBOR, r.Header.Get("Content-Type"))
		http.Error(w, "This endpoint only accepts Content-Type: "+ContentTypeCBOR, http.StatusUnsupportedMediaType)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Printf("failed reading request body: %v", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := r.Body.Close(); err != nil {
		h.logger.Printf("failed closing request body: %v", err)
		http.Error(w, "failed to close request body", http.StatusBadRequest)
		return false
	}

	if err := signing.Unmarshal(body, v); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrFormat, err))
		return false
	}
	return true
}

func (h *handler) registerECUSerial(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterECUSerialRequest
	if !h.readRequest(w, r, &req) {
		return
	}
	if err := h.director.RegisterECUSerial(r.Context(), req.ECUSerial, req.PublicKey, req.VIN, req.IsPrimary); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) registerVehicleManifest(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterVehicleManifestRequest
	if !h.readRequest(w, r, &req) {
		return
	}
	if err := h.director.RegisterVehicleManifest(r.Context(), req.VIN, req.PrimaryECUSerial, req.Manifest); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) registerECUManifest(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterECUManifestRequest
	if !h.readRequest(w, r, &req) {
		return
	}
	if err := h.director.RegisterECUManifest(r.Context(), req.VIN, req.ECUSerial, req.Manifest); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) registerSecondary(w http.ResponseWriter, r *http.Request) {
	var req model.ECURequest
	if !h.readRequest(w, r, &req) {
		return
	}
	if err := h.primary.RegisterNewSecondary(req.ECUSerial); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) submitECUManifest(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitECUManifestRequest
	if !h.readRequest(w, r, &req) {
		return
	}
	if err := h.primary.RegisterECUManifest(req.VIN, req.ECUSerial, req.Nonce, req.Manifest); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) timeAttestation(w http.ResponseWriter, r *http.Request) {
	var req model.ECURequest
	if !h.readRequest(w, r, &req) {
		return
	}
	a, err := h.primary.GetTimeAttestationForECU(req.ECUSerial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := signing.Encode(a, signing.EncodeOptions{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: model.ContentTypeTimeAttestation})
}

func (h *handler) metadata(w http.ResponseWriter, r *http.Request) {
	var req model.ECURequest
	if !h.readRequest(w, r, &req) {
		return
	}
	body, err := h.primary.GetMetadataForECU(req.ECUSerial, req.Partial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: ContentTypeCBOR})
}

func (h *handler) updateExists(w http.ResponseWriter, r *http.Request) {
	var req model.ECURequest
	if !h.readRequest(w, r, &req) {
		return
	}
	exists, err := h.primary.UpdateExistsForECU(req.ECUSerial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCBOR(w, r, model.UpdateExistsResponse{Exists: exists})
}

func (h *handler) image(w http.ResponseWriter, r *http.Request) {
	var req model.ECURequest
	if !h.readRequest(w, r, &req) {
		return
	}
	name, data, err := h.primary.GetImageForECU(req.ECUSerial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCBOR(w, r, model.ImageResponse{Filename: name, Image: data})
}

func (h *handler) signedTime(w http.ResponseWriter, r *http.Request) {
	var req model.SignedTimeRequest
	if !h.readRequest(w, r, &req) {
		return
	}
	body, err := h.timeserver.GetSignedTimeEncoded(req.Nonces)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: model.ContentTypeTimeAttestation})
}

// serveRepository serves the published files of a repository mirror:
// /repo/<name>/<path below the published directory>.
func (h *handler) serveRepository(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, repoPathPrefix), "/")
	dir, ok := h.repositories[name]
	if !ok || rest == "" {
		http.NotFound(w, r)
		return
	}
	cleaned := path.Clean("/" + rest)
	for _, elem := range strings.Split(cleaned[1:], "/") {
		// temp files and staging areas are not published
		if strings.HasPrefix(elem, ".") {
			http.NotFound(w, r)
			return
		}
	}

	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(cleaned)))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	for k, v := range defaultHeaders {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// statusFor maps the error taxonomy onto HTTP: identity errors are 404,
// integrity errors 403, consensus errors 409 and malformed input 400.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnknownVehicle),
		errors.Is(err, domain.ErrUnknownECU):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSpoofing),
		errors.Is(err, domain.ErrBadSignature),
		errors.Is(err, domain.ErrHardwareIDMismatch),
		errors.Is(err, domain.ErrImageRollBack),
		errors.Is(err, domain.ErrBadTimeAttestation),
		errors.Is(err, domain.ErrBadHash),
		errors.Is(err, domain.ErrLengthMismatch),
		errors.Is(err, domain.ErrRevoked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownTarget),
		errors.Is(err, domain.ErrReplayedMetadata),
		errors.Is(err, domain.ErrExpiredMetadata),
		errors.Is(err, domain.ErrMetadataNotLoaded),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	h.logger.Printf("%s %s: %d: %v", r.Method, r.URL.Path, status, err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	body, mErr := signing.Marshal(model.ErrorResponse{Code: domain.Code(err), Message: message})
	if mErr != nil {
		h.logger.Printf("failed encoding error response: %v", mErr)
		h.writeResponse(w, responseSpec{status: status})
		return
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: ContentTypeCBOR})
}

func (h *handler) writeCBOR(w http.ResponseWriter, r *http.Request, v any) {
	body, err := signing.Marshal(v)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: ContentTypeCBOR})
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	w.Header().Set("Server", "uptane-over-http")

	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.Printf("failed writing response body: %v", err)
		}
		return
	}

	w.WriteHeader(spec.status)
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
