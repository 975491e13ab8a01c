// Package snapshotapi exposes a snapshot.Store over HTTP and provides the
// matching client.
package snapshotapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/protocol"
)

const Path = "/v1/snapshot"

// maxBody bounds POST bodies.
const maxBody = 64 << 20

type envelope struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Server struct {
	store snapshot.Store
	log   *zap.Logger
}

func NewServer(store snapshot.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, log: log}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.get(rw, r)
		case http.MethodPost:
			s.post(rw, r)
		default:
			rw.Header().Set("Allow", "GET, POST")
			rw.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) get(rw http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Load(r.Context())
	if errors.Is(err, snapshot.ErrInvalid) {
		s.log.Warn("stored snapshot invalid, serving none", zap.Error(err))
		snap, err = nil, nil
	}
	if err != nil {
		s.log.Error("snapshot load failed", zap.Error(err))
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "snapshot load failed")
		return
	}
	body := envelope{Snapshot: json.RawMessage("null")}
	if snap != nil {
		b, err := snapshot.Encode(*snap)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		body.Snapshot = b
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(body)
}

func (s *Server) post(rw http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "read body")
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Snapshot) == 0 || string(env.Snapshot) == "null" {
		writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "body must be {\"snapshot\": {...}}")
		return
	}
	snap, err := snapshot.Decode(env.Snapshot)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrSnapshotInvalid, err.Error())
		return
	}
	if err := s.store.Save(r.Context(), snap); err != nil {
		s.log.Error("snapshot save failed", zap.Uint64("tick", snap.World.Tick), zap.Error(err))
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "snapshot save failed")
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(errorBody{Code: code, Message: msg})
}
