package task

import (
	"encoding/json"
	"fmt"
)

// CallbackType selects the delivery channel for terminal notifications.
type CallbackType string

const (
	CallbackHTTP     CallbackType = "Http"
	CallbackFunction CallbackType = "Function"
	CallbackEvent    CallbackType = "Event"
	CallbackNone     CallbackType = "None"
)

// Callback describes where terminal status is delivered.
type Callback struct {
	Type CallbackType
	URL  string // set iff Type == CallbackHTTP
	Name string // set iff Type == CallbackFunction
}

type callbackDoc struct {
	Type   CallbackType    `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (c Callback) MarshalJSON() ([]byte, error) {
	doc := callbackDoc{Type: c.Type}
	switch c.Type {
	case CallbackHTTP:
		raw, err := json.Marshal(map[string]string{"url": c.URL})
		if err != nil {
			return nil, err
		}
		doc.Config = raw
	case CallbackFunction:
		raw, err := json.Marshal(map[string]string{"name": c.Name})
		if err != nil {
			return nil, err
		}
		doc.Config = raw
	case CallbackEvent, CallbackNone:
	default:
		return nil, fmt.Errorf("invalid callback type %q", c.Type)
	}
	return json.Marshal(doc)
}

func (c *Callback) UnmarshalJSON(data []byte) error {
	var doc callbackDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Callback{Type: doc.Type}
	switch doc.Type {
	case CallbackHTTP:
		var cfg struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(doc.Config, &cfg); err != nil {
			return fmt.Errorf("invalid http callback config: %w", err)
		}
		out.URL = cfg.URL
	case CallbackFunction:
		var cfg struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(doc.Config, &cfg); err != nil {
			return fmt.Errorf("invalid function callback config: %w", err)
		}
		out.Name = cfg.Name
	case CallbackEvent, CallbackNone:
	default:
		return fmt.Errorf("invalid callback type %q", doc.Type)
	}
	*c = out
	return nil
}

// TranscribeParams are the request parameters for speech recognition.
type TranscribeParams struct {
	Language           string `json:"language,omitempty"`
	SpeakerDiarization bool   `json:"speaker_diarization"`
	EmotionRecognition bool   `json:"emotion_recognition"`
	FilterDirtyWords   bool   `json:"filter_dirty_words"`
}

// VoiceprintParams is reserved for the voiceprint recognition processor.
type VoiceprintParams struct{}

// NoiseReductionParams is reserved for the noise reduction processor.
type NoiseReductionParams struct{}

// Params is the kind-tagged parameter union carried by a task config.
// Exactly one member is non-nil.
type Params struct {
	Transcribe     *TranscribeParams
	Voiceprint     *VoiceprintParams
	NoiseReduction *NoiseReductionParams
}

type paramsDoc struct {
	Type   Kind            `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (p Params) Kind() (Kind, error) {
	switch {
	case p.Transcribe != nil:
		return KindTranscribe, nil
	case p.Voiceprint != nil:
		return KindVoiceprintRecognition, nil
	case p.NoiseReduction != nil:
		return KindNoiseReduction, nil
	}
	return "", fmt.Errorf("empty task params")
}

func (p Params) MarshalJSON() ([]byte, error) {
	kind, err := p.Kind()
	if err != nil {
		return nil, err
	}
	var inner any
	switch kind {
	case KindTranscribe:
		inner = p.Transcribe
	case KindVoiceprintRecognition:
		inner = p.Voiceprint
	case KindNoiseReduction:
		inner = p.NoiseReduction
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(paramsDoc{Type: kind, Params: raw})
}

func (p *Params) UnmarshalJSON(data []byte) error {
	var doc paramsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Params{}
	switch doc.Type {
	case KindTranscribe:
		out.Transcribe = &TranscribeParams{}
		if len(doc.Params) > 0 {
			if err := json.Unmarshal(doc.Params, out.Transcribe); err != nil {
				return fmt.Errorf("invalid transcribe params: %w", err)
			}
		}
	case KindVoiceprintRecognition:
		out.Voiceprint = &VoiceprintParams{}
	case KindNoiseReduction:
		out.NoiseReduction = &NoiseReductionParams{}
	default:
		return fmt.Errorf("invalid params type %q", doc.Type)
	}
	*p = out
	return nil
}

// Config holds the request-time immutable parameters of a task.
type Config struct {
	Kind           Kind     `json:"kind"`
	InputPath      string   `json:"input_path"`
	Callback       Callback `json:"callback_type"`
	Params         Params   `json:"params"`
	Priority       Priority `json:"priority"`
	MaxRetries     int      `json:"max_retries"`
	TimeoutSeconds int64    `json:"timeout,omitempty"` // 0 means no deadline
}

// Timeout returns the configured deadline, or false when none is set.
func (c Config) Timeout() (int64, bool) {
	if c.TimeoutSeconds > 0 {
		return c.TimeoutSeconds, true
	}
	return 0, false
}
