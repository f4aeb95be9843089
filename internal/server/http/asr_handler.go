package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"scribe/internal/auth"
	"scribe/internal/logging"
	"scribe/internal/schedule"
	"scribe/internal/task"
)

// AudioFetcher materializes a remote audio input and returns its local path.
type AudioFetcher interface {
	Fetch(ctx context.Context, rawURL, id string) (string, error)
}

// ASRHandler accepts transcription jobs.
type ASRHandler struct {
	auth    *auth.Service
	manager *schedule.Manager
	fetcher AudioFetcher
	logger  logging.Logger
}

// NewASRHandler builds the transcription ingress handler.
func NewASRHandler(authService *auth.Service, manager *schedule.Manager, fetcher AudioFetcher) *ASRHandler {
	return &ASRHandler{
		auth:    authService,
		manager: manager,
		fetcher: fetcher,
		logger:  logging.NewComponentLogger("ASRHandler"),
	}
}

// TranscribeRequest is the submission body for POST /asr/transcribe.
type TranscribeRequest struct {
	AudioURL           string `json:"audio_url"`
	CallbackURL        string `json:"callback_url"`
	Language           string `json:"language,omitempty"`
	SpeakerDiarization bool   `json:"speaker_diarization"`
	EmotionRecognition bool   `json:"emotion_recognition"`
	FilterDirtyWords   bool   `json:"filter_dirty_words"`
}

// HandleTranscribe validates the credential, materializes the audio input,
// and submits a transcription task.
func (h *ASRHandler) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	if err := h.auth.Verify(r.Header.Get("Authorization"), auth.PermissionTranscribe); err != nil {
		status, message := authStatus(err)
		writeJSON(w, status, Response{Code: status, Message: message, Body: err.Error()})
		return
	}

	var req TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: "Invalid request body", Body: err.Error()})
		return
	}
	if req.AudioURL == "" {
		writeJSON(w, http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: "audio_url is required", Body: ""})
		return
	}

	// The materialization id namespaces the local file, so identical URL
	// basenames from concurrent requests never collide.
	dest, err := h.fetcher.Fetch(r.Context(), req.AudioURL, uuid.NewString())
	if err != nil {
		logger.Error("failed to download audio: %v", err)
		writeJSON(w, http.StatusInternalServerError, Response{Code: http.StatusInternalServerError, Message: "Failed to download audio", Body: err.Error()})
		return
	}

	cfg := task.Config{
		Kind:      task.KindTranscribe,
		InputPath: dest,
		Callback:  task.Callback{Type: task.CallbackHTTP, URL: req.CallbackURL},
		Params: task.Params{Transcribe: &task.TranscribeParams{
			Language:           req.Language,
			SpeakerDiarization: req.SpeakerDiarization,
			EmotionRecognition: req.EmotionRecognition,
			FilterDirtyWords:   req.FilterDirtyWords,
		}},
		Priority:   task.PriorityNormal,
		MaxRetries: 3,
	}

	if _, err := h.manager.Submit(r.Context(), cfg); err != nil {
		logger.Error("failed to create task: %v", err)
		status := http.StatusInternalServerError
		if schedule.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, Response{Code: status, Message: "Failed to create task", Body: err.Error()})
		return
	}

	logger.Info("task added successfully: %s", req.AudioURL)
	writeJSON(w, http.StatusOK, Response{Code: 0, Message: "Task added successfully", Body: req.AudioURL})
}
