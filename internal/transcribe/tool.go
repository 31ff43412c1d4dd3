package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
)

// toolSchema is the input contract exposed to the model.
var toolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"source": {
			"type": "string",
			"description": "Video URL (YouTube or direct) or local file path"
		},
		"title": {
			"type": "string",
			"description": "Optional human-readable title for the transcript"
		}
	},
	"required": ["source"]
}`)

// Tool is the conversation tool that starts a transcription job. It is
// bound to one session so the resulting transcript links back to it.
type Tool struct {
	svc       *Service
	sessionID string
}

// NewTool binds the transcription tool to a session.
func NewTool(svc *Service, sessionID string) *Tool {
	return &Tool{svc: svc, sessionID: sessionID}
}

func (t *Tool) Name() string { return "transcribe_video" }

func (t *Tool) Description() string {
	return "Start transcribing a video in the background. Returns a job id immediately; " +
		"the transcript becomes available once the job succeeds. Use this for any video " +
		"the user wants analyzed."
}

func (t *Tool) Schema() json.RawMessage { return toolSchema }

// Run creates the job and reports its id back to the model. It never
// waits for the transcription itself.
func (t *Tool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Source string `json:"source"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	job, err := t.svc.CreateJob(in.Source, t.sessionID, in.Title)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Transcription started in the background. Job ID: %s. Tell the user the job is running; the transcript will be available once it completes.",
		job.ID,
	), nil
}
