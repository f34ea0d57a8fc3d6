package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

const maxEventBodySize = 1 << 20 // 1MB

// EntityLister reports the entity types the engine is configured for.
type EntityLister interface {
	EntityTypes() []int
}

// QueueStats reports how many items have queued or running work.
type QueueStats interface {
	Pending() int
}

type AppDeps struct {
	Store     *storage.Store
	Snapshots *snapshot.Store
	Entities  EntityLister
	Queue     QueueStats // optional
	Token     string
}

// NewAppHandler builds the HTTP surface. /health is public; everything
// else sits behind BearerAuth.
func NewAppHandler(deps AppDeps) (http.Handler, error) {
	sch, err := compileEventSchema()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/events", handlePostEvent(deps, sch))
		r.Get("/snapshots/{entityTypeId}/{itemId}", handleGetSnapshot(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r, nil
}

func handlePostEvent(deps AppDeps, sch *jsonschema.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}
		if err := validateEvent(sch, body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event: %v", err)
			return
		}

		var ev pipeline.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		payload := "{}"
		if len(ev.Payload) > 0 {
			payload = string(ev.Payload)
		}
		id := uuid.New().String()
		err = deps.Store.EnqueueEvent(storage.InboxEvent{
			ID:           id,
			Event:        ev.Event,
			EntityTypeID: ev.EntityTypeID,
			ItemID:       ev.ItemID,
			Payload:      payload,
			ReceivedAt:   time.Now().UTC(),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue event: %v", err)
			return
		}

		slog.Debug("event queued", "id", id, "event", ev.Event, "entity_type_id", ev.EntityTypeID, "item_id", ev.ItemID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Store.CountEvents(storage.StatusPending)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "inbox unavailable: %v", err)
			return
		}
		active := 0
		if deps.Queue != nil {
			active = deps.Queue.Pending()
		}
		types := []int{}
		if deps.Entities != nil {
			types = append(types, deps.Entities.EntityTypes()...)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"pending_events": pending,
			"active_items":   active,
			"entity_types":   types,
		})
	}
}

func handleGetSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		etid, err1 := strconv.Atoi(chi.URLParam(r, "entityTypeId"))
		itemID, err2 := strconv.Atoi(chi.URLParam(r, "itemId"))
		if err1 != nil || err2 != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "entityTypeId and itemId must be integers")
			return
		}

		snap, err := deps.Snapshots.Read(etid, itemID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read snapshot: %v", err)
			return
		}
		if snap == nil {
			httpError(w, http.StatusNotFound, "not_found", "no snapshot for %d:%d", etid, itemID)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.RunFilter{
			EntityTypeID: parseIntParam(r, "entity_type_id", 0, 0),
			ItemID:       parseIntParam(r, "item_id", 0, 0),
			FailedOnly:   q.Get("failed") == "true" || q.Get("failed") == "1",
			Limit:        parseIntParam(r, "limit", 50, 500),
		}

		runs, err := deps.Store.RecentRuns(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		result := json.RawMessage(run.ResultJSON)
		if !json.Valid(result) {
			result = json.RawMessage("null")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run":    run,
			"result": result,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
