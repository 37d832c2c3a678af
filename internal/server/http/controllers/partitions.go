package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/raftlog/internal/logstream"
	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/runtime"
	"github.com/rzbill/raftlog/internal/statemachine"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

// PartitionsController exposes per-partition status, administration and a
// read/append view of the log.
type PartitionsController struct {
	rt *runtime.Runtime
}

// NewPartitionsController creates a new partitions controller.
func NewPartitionsController(rt *runtime.Runtime) *PartitionsController {
	return &PartitionsController{rt: rt}
}

// RecordView is the JSON form of a record.
type RecordView struct {
	Position       int64  `json:"position"`
	Key            int64  `json:"key"`
	SourcePosition int64  `json:"sourcePosition"`
	Timestamp      int64  `json:"timestamp"`
	RecordType     string `json:"recordType"`
	ValueType      uint16 `json:"valueType"`
	Intent         uint16 `json:"intent"`
	Value          []byte `json:"value"`
	BatchEnd       bool   `json:"batchEnd"`
}

// AppendRequest is the body of POST /v1/partitions/{partition}/records.
type AppendRequest struct {
	Records []AppendRecord `json:"records"`
}

// AppendRecord is one record to append. Zero ValueType means application;
// 65535 is reserved for noop entries.
type AppendRecord struct {
	Key       *int64 `json:"key,omitempty"`
	ValueType uint16 `json:"valueType"`
	Intent    uint16 `json:"intent"`
	Value     []byte `json:"value"`
}

// RegisterRoutes registers partition routes with the given router.
func (c *PartitionsController) RegisterRoutes(r chi.Router) {
	r.Route("/v1/partitions", func(r chi.Router) {
		r.Get("/", c.handleList)
		r.Route("/{partition}", func(r chi.Router) {
			r.Get("/", c.handleGet)
			r.Post("/step-down", c.handleStepDown)
			r.Post("/compact", c.handleCompact)
			r.Get("/records", c.handleRead)
			r.Post("/records", c.handleAppend)
			r.Get("/keys/{key}", c.handleLookup)
		})
	})
}

func (c *PartitionsController) handleList(w http.ResponseWriter, r *http.Request) {
	parts := c.rt.Partitions()
	out := make([]runtime.Status, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Status())
	}
	writeJSON(w, map[string]any{"partitions": out})
}

func (c *PartitionsController) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	writeJSON(w, p.Status())
}

func (c *PartitionsController) handleStepDown(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	if err := p.Node.StepDown(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeNoContent(w)
}

// handleCompact forces a snapshot and compaction cycle, skipping the
// configured delays.
func (c *PartitionsController) handleCompact(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	if err := p.Manager.Compact(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, statemachine.ErrHalted) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, p.Manager.Stats())
}

// handleRead returns up to limit records starting at from. mode=all includes
// uncommitted records; filter is a CEL expression over record attributes.
func (c *PartitionsController) handleRead(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := logstream.ReaderOptions{Filter: q.Get("filter")}
	if s := q.Get("from"); s != "" {
		from, err := strconv.ParseInt(s, 10, 64)
		if err != nil || from < 0 {
			writeError(w, http.StatusBadRequest, "Invalid from position")
			return
		}
		opts.From = from
	}
	switch q.Get("mode") {
	case "", "committed":
	case "all":
		opts.Mode = logstream.ModeAll
	default:
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	limit := parseLimit(q.Get("limit"), defaultReadLimit, maxReadLimit)

	reader, err := p.Stream.NewReader(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer reader.Close()

	records := make([]RecordView, 0, limit)
	for len(records) < limit {
		rec, err := reader.Next()
		if errors.Is(err, logstream.ErrEndOfStream) {
			break
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		records = append(records, viewOf(rec))
	}
	writeJSON(w, map[string]any{
		"records": records,
		"next":    reader.Position(),
	})
}

// handleAppend writes the request's records as one batch and answers once
// it is committed. Followers answer 421 with the known leader.
func (c *PartitionsController) handleAppend(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "No records")
		return
	}
	batch := logstream.Batch{Records: make([]record.Record, 0, len(req.Records))}
	for _, in := range req.Records {
		vt := record.ValueType(in.ValueType)
		if vt == record.ValueTypeNoop {
			writeError(w, http.StatusBadRequest, "Reserved valueType")
			return
		}
		key := record.NoKey
		if in.Key != nil {
			key = *in.Key
		}
		batch.Records = append(batch.Records, record.Record{
			Key:            key,
			SourcePosition: record.NoSourcePosition,
			Metadata: record.Metadata{
				RecordType: record.RecordTypeCommand,
				ValueType:  vt,
				Intent:     record.Intent(in.Intent),
			},
			Value: in.Value,
		})
	}
	pos, err := p.Stream.NewWriter().Write(r.Context(), batch).Wait(r.Context())
	switch {
	case errors.Is(err, logstream.ErrNotLeader):
		writeNotLeader(w, p.Node.Leader())
		return
	case errors.Is(err, logstream.ErrBackpressure):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"position": pos})
}

// handleLookup resolves a key through the partition's key index.
func (c *PartitionsController) handleLookup(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFromPath(c.rt, w, r)
	if !ok {
		return
	}
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key")
		return
	}
	idx, ok := p.App.(*runtime.KeyIndex)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Partition has no key index")
		return
	}
	pos, found := idx.Lookup(key)
	if !found {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}
	writeJSON(w, map[string]int64{"key": key, "position": pos})
}

func viewOf(rec record.Record) RecordView {
	return RecordView{
		Position:       rec.Position,
		Key:            rec.Key,
		SourcePosition: rec.SourcePosition,
		Timestamp:      rec.Timestamp,
		RecordType:     rec.Metadata.RecordType.String(),
		ValueType:      uint16(rec.Metadata.ValueType),
		Intent:         uint16(rec.Metadata.Intent),
		Value:          rec.Value,
		BatchEnd:       rec.BatchEnd,
	}
}
