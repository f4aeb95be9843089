package processors

import (
	"context"
	"fmt"
	"os"

	"scribe/internal/asr"
	"scribe/internal/audio"
	"scribe/internal/logging"
	"scribe/internal/task"
)

// supportedLanguages are the language codes the engine accepts.
var supportedLanguages = map[string]struct{}{
	"zh": {},
	"en": {},
	"ja": {},
}

// Transcribe runs speech recognition tasks against the ASR engine.
type Transcribe struct {
	engine asr.Engine
	logger logging.Logger
}

// NewTranscribe builds the transcribe processor.
func NewTranscribe(engine asr.Engine) *Transcribe {
	return &Transcribe{
		engine: engine,
		logger: logging.NewComponentLogger("TranscribeProcessor"),
	}
}

func (p *Transcribe) Kind() task.Kind { return task.KindTranscribe }

// Validate checks the language code; everything else is free-form.
func (p *Transcribe) Validate(params task.Params) error {
	tp := params.Transcribe
	if tp == nil {
		return fmt.Errorf("transcribe task requires transcribe params")
	}
	if tp.Language != "" {
		if _, ok := supportedLanguages[tp.Language]; !ok {
			return fmt.Errorf("unsupported language: %s", tp.Language)
		}
	}
	return nil
}

// Process decodes the input file and hands the samples to the engine.
func (p *Transcribe) Process(ctx context.Context, t *task.Task) (task.Result, error) {
	tp := t.Config.Params.Transcribe
	if tp == nil {
		return task.Result{}, fmt.Errorf("transcribe task %s has no transcribe params", t.ID)
	}
	p.logger.Info("processing audio file %s for task %s", t.Config.InputPath, t.ID)

	samples, err := audio.ReadWAV(t.Config.InputPath)
	if err != nil {
		return task.Result{}, err
	}

	engineResult, err := p.engine.Transcribe(ctx, samples, asr.Params{
		Language:           tp.Language,
		SpeakerDiarization: tp.SpeakerDiarization,
		EmotionRecognition: tp.EmotionRecognition,
		FilterDirtyWords:   tp.FilterDirtyWords,
	})
	if err != nil {
		return task.Result{}, fmt.Errorf("transcribe task %s: %w", t.ID, err)
	}

	segments := make([]task.TranscribeSegment, 0, len(engineResult.Segments))
	for _, seg := range engineResult.Segments {
		speaker := seg.SpeakerID
		segments = append(segments, task.TranscribeSegment{
			Text:      seg.Text,
			SpeakerID: &speaker,
			StartTime: seg.Start,
			EndTime:   seg.End,
		})
	}
	return task.Result{Transcribe: &task.TranscribeResult{
		Text:     engineResult.FullText,
		Segments: segments,
	}}, nil
}

// Cancel is unsupported by the engine; the request is logged and dropped.
func (p *Transcribe) Cancel(_ context.Context, t *task.Task) error {
	p.logger.Warn("cancel is not supported for task %s", t.ID)
	return nil
}

// Cleanup removes the materialized input file.
func (p *Transcribe) Cleanup(_ context.Context, t *task.Task) error {
	path := t.Config.InputPath
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	p.logger.Info("removing input file %s for task %s", path, t.ID)
	if err := os.Remove(path); err != nil {
		p.logger.Warn("failed to remove input file %s: %v", path, err)
	}
	return nil
}
