package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfeidau/bucketstore/chunk"
	"github.com/wolfeidau/bucketstore/retained"
	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

// Error is the JSON body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeStoreError maps persistence errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, retained.ErrNilTopic),
		errors.Is(err, retained.ErrIllegalWildcard),
		errors.Is(err, retained.ErrInvalidTopic),
		errors.Is(err, chunk.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, writer.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, r.Context().Err()):
		// Client went away; nothing useful to send.
		s.logger.Debug("request cancelled", "path", r.URL.Path, "error", err)
	default:
		s.logger.Error("store operation failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "store operation failed")
	}
}

func topicParam(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// handleRetainedGet returns the retained message of a topic.
func (s *Server) handleRetainedGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")

	f := s.retained.Get(topicParam(r))
	msg, err := f.Wait(r.Context())
	if err != nil {
		s.retained.Discard(f)
		s.writeStoreError(w, r, err)
		return
	}
	if msg == nil {
		telemetry.SetLookupResult(r, telemetry.LookupMiss)
		writeError(w, http.StatusNotFound, "not_found", "no retained message")
		return
	}
	telemetry.SetLookupResult(r, telemetry.LookupHit)

	writeJSON(w, http.StatusOK, retained.Entry{Topic: topicParam(r), Message: msg})
	if err := s.retained.Release(context.WithoutCancel(r.Context()), msg); err != nil {
		s.logger.Warn("failed to release retained payload", "topic", topicParam(r), "error", err)
	}
}

// handleRetainedPut stores the request body as the retained payload of a
// topic. The qos and expiry query parameters and the Content-Type header are
// stored with it.
func (s *Server) handleRetainedPut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put")

	msg := &retained.Message{Timestamp: time.Now(), ContentType: r.Header.Get("Content-Type")}

	if v := r.URL.Query().Get("qos"); v != "" {
		qos, err := strconv.ParseUint(v, 10, 8)
		if err != nil || qos > 2 {
			writeError(w, http.StatusBadRequest, "bad_request", "qos must be 0, 1 or 2")
			return
		}
		msg.QoS = byte(qos)
	}
	if v := r.URL.Query().Get("expiry"); v != "" {
		expiry, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "expiry must be a number of seconds")
			return
		}
		msg.MessageExpiryInterval = uint32(expiry)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("payload exceeds %d bytes", s.config.MaxBodyBytes))
		return
	}
	msg.Payload = body

	if _, err := s.retained.Persist(topicParam(r), msg).Wait(r.Context()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetainedDelete removes the retained message of a topic.
func (s *Server) handleRetainedDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	if _, err := s.retained.Remove(topicParam(r)).Wait(r.Context()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetainedWildcard lists the topics matching the filter query parameter.
func (s *Server) handleRetainedWildcard(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "wildcard")

	topics, err := s.retained.GetWithWildcards(r.URL.Query().Get("filter")).Wait(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

// handleRetainedCount returns the number of retained messages.
func (s *Server) handleRetainedCount(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "count")

	n, err := s.retained.Size().Wait(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type exportResponse struct {
	Entries  []retained.Entry `json:"entries"`
	Cursor   string           `json:"cursor"`
	Finished bool             `json:"finished"`
}

// handleRetainedExport returns the next chunk after the cursor query parameter.
func (s *Server) handleRetainedExport(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "export")

	cursor, err := chunk.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	result, err := s.retained.GetAllLocalRetainedMessagesChunk(cursor).Wait(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := exportResponse{Entries: make([]retained.Entry, 0, result.Len()), Finished: result.Finished}
	buckets := make([]int, 0, len(result.Values))
	for b := range result.Values {
		buckets = append(buckets, b)
	}
	sort.Ints(buckets)
	for _, b := range buckets {
		resp.Entries = append(resp.Entries, result.Values[b]...)
	}

	token, err := result.Cursor.MarshalText()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp.Cursor = string(token)
	writeJSON(w, http.StatusOK, resp)
}

// handleRetainedCleanup removes expired messages from every bucket now.
func (s *Server) handleRetainedCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.cleanup.RunOnce(r.Context())})
}
