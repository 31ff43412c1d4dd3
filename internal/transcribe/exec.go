package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/pkg/models"
)

// ExecTranscriber shells out to an external ASR pipeline. The command
// receives the source as its single argument and writes the transcript
// to stdout; anything on stderr is kept for the failure message.
type ExecTranscriber struct {
	cfg config.TranscribeConfig
}

// NewExecTranscriber wraps the configured pipeline command.
func NewExecTranscriber(cfg config.TranscribeConfig) *ExecTranscriber {
	return &ExecTranscriber{cfg: cfg}
}

// Transcribe runs the pipeline once.
func (t *ExecTranscriber) Transcribe(ctx context.Context, source string, sourceType models.SourceType, progress func(float64)) (*Result, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	progress(0.1)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cfg.Command, source)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		return nil, models.NewAppError(models.CodeFFmpegNotFound, "transcription pipeline not installed").
			WithDetail(fmt.Sprintf("command %q not found in PATH", t.cfg.Command)).
			WithHint("Install the transcription toolchain or set transcribe.command.")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, models.NewAppError(models.CodeTranscriptionTimeout, "transcription timed out").
			WithDetail(fmt.Sprintf("exceeded %s", t.cfg.Timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, ctx.Err()
	default:
		detail := stderr.String()
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return nil, models.NewAppError(models.CodeTranscriptionFailed, "transcription pipeline failed").
			WithDetail(detail).WithCause(err)
	}

	progress(1)

	if stdout.Len() == 0 {
		return nil, models.NewAppError(models.CodeTranscriptionFailed, "pipeline produced no transcript")
	}
	return &Result{Text: stdout.String()}, nil
}

var _ Transcriber = (*ExecTranscriber)(nil)
