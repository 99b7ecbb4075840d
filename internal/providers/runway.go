package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/framecredit/backend/internal/models"
)

const (
	RunwayName           = "runway"
	defaultRunwayQuality = "720p"
)

var runwayAspectRatios = map[string]bool{"16:9": true, "9:16": true, "1:1": true, "4:3": true, "3:4": true}

// RunwayConfig configures the Runway adapter.
type RunwayConfig struct {
	ClientConfig
	Quality string
}

// Runway reports progress as a state string and only animates images.
type Runway struct {
	api     *apiClient
	quality string
	schemas *SchemaSet
}

func NewRunway(cfg RunwayConfig, schemas *SchemaSet) *Runway {
	q := cfg.Quality
	if q == "" {
		q = defaultRunwayQuality
	}
	return &Runway{api: newAPIClient(cfg.ClientConfig), quality: q, schemas: schemas}
}

var _ Adapter = (*Runway)(nil)

func (r *Runway) Name() string { return RunwayName }

func (r *Runway) Supports(mode models.Mode) bool { return mode == models.ModeImageToVideo }

func (r *Runway) Validate(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return rejected(RunwayName, "prompt is required")
	}
	if !r.Supports(req.Mode) || req.ImageURL == "" {
		return rejected(RunwayName, "an input image is required")
	}
	if req.AspectRatio != "" && !runwayAspectRatios[req.AspectRatio] {
		return rejected(RunwayName, "unsupported aspect ratio %q", req.AspectRatio)
	}
	switch req.Duration {
	case 0, 5:
	case 10:
		if r.quality == "1080p" {
			return rejected(RunwayName, "10 second clips are not available at 1080p")
		}
	default:
		return rejected(RunwayName, "duration must be 5 or 10 seconds")
	}
	return nil
}

type runwayGenerateBody struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"imageUrl"`
	Duration    int    `json:"duration"`
	Quality     string `json:"quality"`
	AspectRatio string `json:"aspectRatio"`
}

func (r *Runway) Submit(ctx context.Context, req Request) (string, error) {
	if err := r.Validate(req); err != nil {
		return "", err
	}
	body := runwayGenerateBody{
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		Duration:    req.Duration,
		Quality:     r.quality,
		AspectRatio: req.AspectRatio,
	}
	if body.Duration == 0 {
		body.Duration = 5
	}
	if body.AspectRatio == "" {
		body.AspectRatio = "16:9"
	}
	code, payload, err := r.api.do(ctx, http.MethodPost, "/api/v1/runway/generate", body)
	if err != nil {
		return "", err
	}
	return parseSubmitResponse(RunwayName, r.schemas, code, payload)
}

func (r *Runway) FetchStatus(ctx context.Context, externalTaskID string) (Status, error) {
	code, payload, err := r.api.do(ctx, http.MethodGet, "/api/v1/runway/record-detail?taskId="+url.QueryEscape(externalTaskID), nil)
	if err != nil {
		return Status{}, transient(RunwayName, "%v", err)
	}
	if !ok2xx(code) {
		return Status{}, transient(RunwayName, "status endpoint returned HTTP %d", code)
	}
	if err := r.schemas.Validate("runway.status", payload); err != nil {
		return Status{}, transient(RunwayName, "%v", err)
	}
	return normalizeRunway(gjson.GetBytes(payload, "data")), nil
}

func normalizeRunway(data gjson.Result) Status {
	switch data.Get("state").String() {
	case "success":
		return Status{State: StateSucceeded, ResultURL: strings.TrimSpace(data.Get("videoInfo.videoUrl").String())}
	case "fail":
		return Status{State: StateFailed, FailureReason: reason(data.Get("failMsg"), "generation failed")}
	default:
		return Status{State: StateRunning}
	}
}
