package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	jsonContentType = "application/json"
	wavContentType  = "audio/wav"

	// MaxUploadBytes bounds a WAV upload.
	MaxUploadBytes = 512 << 20

	// DefaultExportRetention is how many rendered exports are kept on a
	// persistent export filesystem.
	DefaultExportRetention = 8
)

// Handler exposes engine intents over HTTP using go-chi.
type Handler struct {
	eng     *Engine
	log     *slog.Logger
	exports afero.Fs

	mu     sync.Mutex
	retain int
	stored []string
}

// NewHandler returns a Handler for eng. Rendered exports are written to fs;
// nil keeps them in memory. An in-memory fs retains no export once it has
// been served, any other keeps the newest DefaultExportRetention.
func NewHandler(eng *Engine, log *slog.Logger, fs afero.Fs) *Handler {
	retain := DefaultExportRetention
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	if _, ok := fs.(*afero.MemMapFs); ok {
		retain = 0
	}
	return &Handler{eng: eng, log: log, exports: fs, retain: retain}
}

// SetExportRetention sets how many served exports stay on the export
// filesystem. Negative values are treated as zero.
func (h *Handler) SetExportRetention(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retain = max(0, n)
}

// retainExport records name as served and removes the oldest exports beyond
// the retention limit.
func (h *Handler) retainExport(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored = append(h.stored, name)
	for len(h.stored) > h.retain {
		old := h.stored[0]
		h.stored = h.stored[1:]
		if err := h.exports.Remove(old); err != nil {
			h.log.Warn("remove export", slog.String("name", old), slog.String("error", err.Error()))
		}
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/audio", func(r chi.Router) {
		r.Post("/", h.RegisterAudio)
		r.Route("/{audio_id}", func(r chi.Router) {
			r.Put("/", h.ReplaceAudio)
			r.Delete("/", h.RetireAudio)
			r.Put("/mix", h.SetBufferMix)
			r.Get("/peaks", h.GetPeaks)
		})
	})
	r.Get("/timeline", h.GetTimeline)
	r.Route("/clips", func(r chi.Router) {
		r.Post("/", h.AddClip)
		r.Post("/delete", h.DeleteClips)
		r.Post("/clone", h.CloneClips)
		r.Post("/slice", h.SliceClips)
		r.Route("/{key}", func(r chi.Router) {
			r.Patch("/", h.EditClip)
			r.Delete("/", h.DeleteClip)
			r.Post("/clone", h.CloneClip)
		})
	})
	r.Route("/selection", func(r chi.Router) {
		r.Post("/", h.SelectClips)
		r.Delete("/", h.ClearSelection)
		r.Post("/transform", h.TransformSelection)
		r.Post("/commit", h.CommitSelection)
		r.Post("/cancel", h.CancelSelection)
	})
	r.Route("/transport", func(r chi.Router) {
		r.Put("/", h.SetTransport)
		r.Post("/seek", h.Seek)
		r.Put("/loop", h.SetLoopEnd)
		r.Put("/region", h.SetLoopRegion)
		r.Put("/selection", h.SelectTimeframe)
	})
	r.Route("/mixer/{channel}", func(r chi.Router) {
		r.Put("/", h.SetMixer)
		r.Get("/meter", h.GetMeter)
	})
	r.Route("/automation", func(r chi.Router) {
		r.Post("/", h.AddAutomation)
		r.Delete("/{curve_id}", h.RemoveAutomation)
	})
	r.Get("/status", h.GetStatus)
	r.Get("/export", h.Export)
	r.Get("/events", h.Events)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAudio), errors.Is(err, ErrUnknownClip),
		errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrUnknownCurve):
		return http.StatusNotFound
	case errors.Is(err, ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidWAV):
		return http.StatusBadRequest
	case errors.Is(err, ErrBackend):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("error", err.Error()), slog.Int("status", status))
	} else {
		h.log.Debug(op+" rejected", slog.String("error", err.Error()), slog.Int("status", status))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) readWAV(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return nil, false
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty body"})
		return nil, false
	}
	return body, true
}

type audioResponse struct {
	AudioID        AudioID      `json:"audio_id"`
	Details        AudioDetails `json:"details"`
	DurationMicros int64        `json:"duration_micros"`
	SampleRate     int          `json:"sample_rate"`
	Channels       int          `json:"channels"`
	Gain           float64      `json:"gain"`
	Pan            float64      `json:"pan"`
}

func toAudioResponse(e BufferEntry) audioResponse {
	return audioResponse{
		AudioID:        e.ID,
		Details:        e.Details,
		DurationMicros: e.DurationMicros(),
		SampleRate:     e.Buffer.Format.SampleRate,
		Channels:       e.Buffer.Format.NumChannels,
		Gain:           e.Gain,
		Pan:            e.Pan,
	}
}

// RegisterAudio handles POST /audio?name=...&mixer_channel=N with a WAV body.
func (h *Handler) RegisterAudio(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readWAV(w, r)
	if !ok {
		return
	}
	details := AudioDetails{Name: r.URL.Query().Get("name")}
	if s := r.URL.Query().Get("mixer_channel"); s != "" {
		ch, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid mixer_channel"})
			return
		}
		details.MixerChannel = ch
	}
	buf, err := DecodeWAV(bytes.NewReader(body))
	if err != nil {
		h.fail(w, "decode audio", err)
		return
	}
	id, err := h.eng.RegisterAudio(details, buf)
	if err != nil {
		h.fail(w, "register audio", err)
		return
	}
	entry, _ := h.eng.Buffer(id)
	writeJSON(w, http.StatusCreated, toAudioResponse(entry))
}

// ReplaceAudio handles PUT /audio/{audio_id} with a WAV body.
func (h *Handler) ReplaceAudio(w http.ResponseWriter, r *http.Request) {
	id := AudioID(chi.URLParam(r, "audio_id"))
	body, ok := h.readWAV(w, r)
	if !ok {
		return
	}
	buf, err := DecodeWAV(bytes.NewReader(body))
	if err != nil {
		h.fail(w, "decode audio", err)
		return
	}
	if err := h.eng.ReplaceAudio(id, buf); err != nil {
		h.fail(w, "replace audio", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetireAudio handles DELETE /audio/{audio_id}.
func (h *Handler) RetireAudio(w http.ResponseWriter, r *http.Request) {
	id := AudioID(chi.URLParam(r, "audio_id"))
	if err := h.eng.RetireBuffer(id); err != nil {
		h.fail(w, "retire audio", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetBufferMix handles PUT /audio/{audio_id}/mix.
// Body: { "gain": 0.8, "pan": -0.2, "mixer_channel": 3 }, every field optional.
func (h *Handler) SetBufferMix(w http.ResponseWriter, r *http.Request) {
	id := AudioID(chi.URLParam(r, "audio_id"))
	var mix BufferMix
	if !h.decode(w, r, &mix) {
		return
	}
	entry, err := h.eng.SetBufferMix(id, mix)
	if err != nil {
		h.fail(w, "set buffer mix", err)
		return
	}
	writeJSON(w, http.StatusOK, toAudioResponse(entry))
}

// GetPeaks handles GET /audio/{audio_id}/peaks?buckets=N.
func (h *Handler) GetPeaks(w http.ResponseWriter, r *http.Request) {
	id := AudioID(chi.URLParam(r, "audio_id"))
	buckets := DefaultPeakBuckets
	if s := r.URL.Query().Get("buckets"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid buckets"})
			return
		}
		buckets = n
	}
	peaks, err := h.eng.Peaks(id, buckets)
	if err != nil {
		h.fail(w, "peaks", err)
		return
	}
	writeJSON(w, http.StatusOK, peaks)
}

// GetTimeline handles GET /timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Timeline())
}

// AddClip handles POST /clips with a Clip body.
func (h *Handler) AddClip(w http.ResponseWriter, r *http.Request) {
	var c Clip
	if !h.decode(w, r, &c) {
		return
	}
	added, err := h.eng.AddClip(c)
	if err != nil {
		h.fail(w, "add clip", err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// EditClip handles PATCH /clips/{key} with a ClipEdit body.
func (h *Handler) EditClip(w http.ResponseWriter, r *http.Request) {
	key := ScheduledKey(chi.URLParam(r, "key"))
	var edit ClipEdit
	if !h.decode(w, r, &edit) {
		return
	}
	c, err := h.eng.EditClip(key, edit)
	if err != nil {
		h.fail(w, "edit clip", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CloneClip handles POST /clips/{key}/clone.
func (h *Handler) CloneClip(w http.ResponseWriter, r *http.Request) {
	key := ScheduledKey(chi.URLParam(r, "key"))
	c, err := h.eng.CloneClip(key)
	if err != nil {
		h.fail(w, "clone clip", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// DeleteClip handles DELETE /clips/{key}.
func (h *Handler) DeleteClip(w http.ResponseWriter, r *http.Request) {
	key := ScheduledKey(chi.URLParam(r, "key"))
	if _, err := h.eng.DeleteClip(key); err != nil {
		h.fail(w, "delete clip", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keysRequest struct {
	Keys []ScheduledKey `json:"keys"`
}

// DeleteClips handles POST /clips/delete. Body: { "keys": [...] }.
func (h *Handler) DeleteClips(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if !h.decode(w, r, &req) {
		return
	}
	removed, err := h.eng.DeleteClips(req.Keys)
	if err != nil {
		h.fail(w, "delete clips", err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

// CloneClips handles POST /clips/clone. Body: { "keys": [...] }.
func (h *Handler) CloneClips(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if !h.decode(w, r, &req) {
		return
	}
	clones, err := h.eng.CloneClips(req.Keys)
	if err != nil {
		h.fail(w, "clone clips", err)
		return
	}
	writeJSON(w, http.StatusCreated, clones)
}

type sliceRequest struct {
	StartTrack int   `json:"start_track"`
	EndTrack   int   `json:"end_track"`
	AtMicros   int64 `json:"at_micros"`
}

// SliceClips handles POST /clips/slice.
func (h *Handler) SliceClips(w http.ResponseWriter, r *http.Request) {
	var req sliceRequest
	if !h.decode(w, r, &req) {
		return
	}
	changed, err := h.eng.SliceClipsAt(req.StartTrack, req.EndTrack, req.AtMicros)
	if err != nil {
		h.fail(w, "slice clips", err)
		return
	}
	if changed == nil {
		changed = []Clip{}
	}
	writeJSON(w, http.StatusOK, changed)
}

type selectRequest struct {
	Keys     []ScheduledKey `json:"keys"`
	Additive bool           `json:"additive"`
}

// SelectClips handles POST /selection.
func (h *Handler) SelectClips(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !h.decode(w, r, &req) {
		return
	}
	keys, err := h.eng.SelectClips(req.Keys, req.Additive)
	if err != nil {
		h.fail(w, "select clips", err)
		return
	}
	writeJSON(w, http.StatusOK, keysRequest{Keys: keys})
}

// ClearSelection handles DELETE /selection.
func (h *Handler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	h.eng.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

type transformRequest struct {
	Kind        TransformKind `json:"kind"`
	DeltaMicros int64         `json:"delta_micros"`
}

type transformResponse struct {
	Pending SelectionTransform `json:"pending"`
	Clips   []TransformedClip  `json:"clips"`
}

// TransformSelection handles POST /selection/transform.
// Body: { "kind": "move" | "resize_start" | "resize_end", "delta_micros": 250000 }.
func (h *Handler) TransformSelection(w http.ResponseWriter, r *http.Request) {
	var req transformRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, clips, err := h.eng.TransformSelection(req.Kind, req.DeltaMicros)
	if err != nil {
		h.fail(w, "transform selection", err)
		return
	}
	writeJSON(w, http.StatusOK, transformResponse{Pending: p, Clips: clips})
}

// CommitSelection handles POST /selection/commit.
func (h *Handler) CommitSelection(w http.ResponseWriter, r *http.Request) {
	changed, err := h.eng.CommitSelection()
	if err != nil {
		h.fail(w, "commit selection", err)
		return
	}
	if changed == nil {
		changed = []Clip{}
	}
	writeJSON(w, http.StatusOK, changed)
}

// CancelSelection handles POST /selection/cancel.
func (h *Handler) CancelSelection(w http.ResponseWriter, r *http.Request) {
	h.eng.CancelSelection()
	w.WriteHeader(http.StatusNoContent)
}

type transportRequest struct {
	Status string `json:"status"`
}

// SetTransport handles PUT /transport. Body: { "status": "playing" | "paused" }.
func (h *Handler) SetTransport(w http.ResponseWriter, r *http.Request) {
	var req transportRequest
	if !h.decode(w, r, &req) {
		return
	}
	var status PlaybackStatus
	switch req.Status {
	case Playing.String():
		status = Playing
	case Paused.String():
		status = Paused
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	if err := h.eng.SetTransportStatus(status); err != nil {
		h.fail(w, "set transport", err)
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Status())
}

type seekRequest struct {
	Seconds float64 `json:"seconds"`
}

// Seek handles POST /transport/seek. Body: { "seconds": 12.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.eng.SeekTo(req.Seconds); err != nil {
		h.fail(w, "seek", err)
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Status())
}

type loopEndRequest struct {
	EndMicros int64 `json:"end_micros"`
}

// SetLoopEnd handles PUT /transport/loop. Body: { "end_micros": 10000000 }.
func (h *Handler) SetLoopEnd(w http.ResponseWriter, r *http.Request) {
	var req loopEndRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.eng.SetLoopEnd(req.EndMicros); err != nil {
		h.fail(w, "set loop end", err)
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Status())
}

// SetLoopRegion handles PUT /transport/region. Body: a TimeRange, or null to
// clear the region.
func (h *Handler) SetLoopRegion(w http.ResponseWriter, r *http.Request) {
	var region *TimeRange
	if !h.decode(w, r, &region) {
		return
	}
	if err := h.eng.SetLoopRegion(region); err != nil {
		h.fail(w, "set loop region", err)
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Status())
}

// SelectTimeframe handles PUT /transport/selection. Body: a TimeRange, or
// null to clear the highlight.
func (h *Handler) SelectTimeframe(w http.ResponseWriter, r *http.Request) {
	var sel *TimeRange
	if !h.decode(w, r, &sel) {
		return
	}
	h.eng.SelectTimeframe(sel)
	writeJSON(w, http.StatusOK, h.eng.Status())
}

func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid channel"})
		return 0, false
	}
	return ch, true
}

type mixerRequest struct {
	Gain *float64 `json:"gain,omitempty"`
	Pan  *float64 `json:"pan,omitempty"`
}

// SetMixer handles PUT /mixer/{channel}. Body: { "gain": 1.2, "pan": 0.5 },
// either field optional.
func (h *Handler) SetMixer(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	var req mixerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Gain != nil {
		if err := h.eng.SetMixerGain(ch, *req.Gain); err != nil {
			h.fail(w, "set mixer gain", err)
			return
		}
	}
	if req.Pan != nil {
		if err := h.eng.SetMixerPan(ch, *req.Pan); err != nil {
			h.fail(w, "set mixer pan", err)
			return
		}
	}
	mc, err := h.eng.MixerChannel(ch)
	if err != nil {
		h.fail(w, "mixer channel", err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// GetMeter handles GET /mixer/{channel}/meter.
func (h *Handler) GetMeter(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	level, err := h.eng.Meter(ch)
	if err != nil {
		h.fail(w, "meter", err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

type curveResponse struct {
	ID CurveID `json:"id"`
}

// AddAutomation handles POST /automation with an AutomationCurve body.
func (h *Handler) AddAutomation(w http.ResponseWriter, r *http.Request) {
	var c AutomationCurve
	if !h.decode(w, r, &c) {
		return
	}
	id, err := h.eng.AddAutomation(c)
	if err != nil {
		h.fail(w, "add automation", err)
		return
	}
	writeJSON(w, http.StatusCreated, curveResponse{ID: id})
}

// RemoveAutomation handles DELETE /automation/{curve_id}.
func (h *Handler) RemoveAutomation(w http.ResponseWriter, r *http.Request) {
	h.eng.RemoveAutomation(CurveID(chi.URLParam(r, "curve_id")))
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Status())
}

// Export handles GET /export. The session is rendered, stored on the export
// filesystem and streamed back as 16-bit WAV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	buf, err := h.eng.Export(r.Context())
	if err != nil {
		h.fail(w, "export", err)
		return
	}
	name := "export-" + uuid.NewString() + ".wav"
	if err := WriteWAV(h.exports, name, buf); err != nil {
		h.fail(w, "write export", err)
		return
	}
	defer h.retainExport(name)
	f, err := h.exports.Open(name)
	if err != nil {
		h.fail(w, "open export", err)
		return
	}
	defer f.Close()

	h.log.Info("export stored", slog.String("name", name))
	w.Header().Set("Content-Type", wavContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, time.Time{}, f)
}

// Events handles GET /events as a Server-Sent Events stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	sub := h.eng.Events().Subscribe()
	defer h.eng.Events().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Debug("events stream cannot flush", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.C:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
