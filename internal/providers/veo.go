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
	VeoName         = "veo"
	defaultVeoModel = "veo3_fast"
)

var veoAspectRatios = map[string]bool{"16:9": true, "9:16": true, "Auto": true}

// VeoConfig configures the Veo adapter.
type VeoConfig struct {
	ClientConfig
	Model string
}

// Veo reports progress as an integer successFlag and supports both modes.
type Veo struct {
	api     *apiClient
	model   string
	schemas *SchemaSet
}

func NewVeo(cfg VeoConfig, schemas *SchemaSet) *Veo {
	model := cfg.Model
	if model == "" {
		model = defaultVeoModel
	}
	return &Veo{api: newAPIClient(cfg.ClientConfig), model: model, schemas: schemas}
}

var _ Adapter = (*Veo)(nil)

func (v *Veo) Name() string { return VeoName }

func (v *Veo) Supports(mode models.Mode) bool {
	return mode == models.ModeTextToVideo || mode == models.ModeImageToVideo
}

func (v *Veo) Validate(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return rejected(VeoName, "prompt is required")
	}
	if !v.Supports(req.Mode) {
		return rejected(VeoName, "unsupported mode %q", req.Mode)
	}
	if req.Mode == models.ModeImageToVideo && req.ImageURL == "" {
		return rejected(VeoName, "image-to-video requires an image url")
	}
	if req.AspectRatio != "" && !veoAspectRatios[req.AspectRatio] {
		return rejected(VeoName, "unsupported aspect ratio %q", req.AspectRatio)
	}
	return nil
}

type veoGenerateBody struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	Model       string   `json:"model"`
	AspectRatio string   `json:"aspectRatio"`
}

func (v *Veo) Submit(ctx context.Context, req Request) (string, error) {
	if err := v.Validate(req); err != nil {
		return "", err
	}
	body := veoGenerateBody{
		Prompt:      req.Prompt,
		Model:       v.model,
		AspectRatio: req.AspectRatio,
	}
	if body.AspectRatio == "" {
		body.AspectRatio = "16:9"
	}
	if req.Mode == models.ModeImageToVideo {
		body.ImageURLs = []string{req.ImageURL}
	}
	code, payload, err := v.api.do(ctx, http.MethodPost, "/api/v1/veo/generate", body)
	if err != nil {
		return "", err
	}
	return parseSubmitResponse(VeoName, v.schemas, code, payload)
}

func (v *Veo) FetchStatus(ctx context.Context, externalTaskID string) (Status, error) {
	code, payload, err := v.api.do(ctx, http.MethodGet, "/api/v1/veo/record-info?taskId="+url.QueryEscape(externalTaskID), nil)
	if err != nil {
		return Status{}, transient(VeoName, "%v", err)
	}
	if !ok2xx(code) {
		return Status{}, transient(VeoName, "status endpoint returned HTTP %d", code)
	}
	if err := v.schemas.Validate("veo.status", payload); err != nil {
		return Status{}, transient(VeoName, "%v", err)
	}
	return normalizeVeo(gjson.GetBytes(payload, "data")), nil
}

// normalizeVeo maps successFlag: 0 processing, 1 success, 2 content or
// creation failure, 3 generation failure.
func normalizeVeo(data gjson.Result) Status {
	switch data.Get("successFlag").Int() {
	case 1:
		u := firstURL(data.Get("response.resultUrls"))
		if u == "" {
			u = firstURL(data.Get("response.originUrls"))
		}
		return Status{State: StateSucceeded, ResultURL: u}
	case 2:
		return Status{State: StateFailed, FailureReason: reason(data.Get("errorMessage"), "content or creation failure")}
	case 3:
		return Status{State: StateFailed, FailureReason: reason(data.Get("errorMessage"), "generation failed")}
	default:
		return Status{State: StateRunning}
	}
}

// firstURL accepts either a JSON array of urls or a string holding one.
// Some responses encode the array as a JSON string.
func firstURL(v gjson.Result) string {
	switch {
	case v.IsArray():
		for _, u := range v.Array() {
			if s := strings.TrimSpace(u.String()); s != "" {
				return s
			}
		}
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.String())
		if strings.HasPrefix(s, "[") {
			return firstURL(gjson.Parse(s))
		}
		return s
	}
	return ""
}

func reason(v gjson.Result, fallback string) string {
	if s := strings.TrimSpace(v.String()); s != "" {
		return s
	}
	return fallback
}

// parseSubmitResponse handles the {code, msg, data.taskId} envelope both
// providers share.
func parseSubmitResponse(provider string, schemas *SchemaSet, status int, payload []byte) (string, error) {
	if status >= 500 {
		return "", &SubmitError{Provider: provider, Status: status}
	}
	if !ok2xx(status) {
		return "", rejected(provider, "HTTP %d: %s", status, reason(gjson.GetBytes(payload, "msg"), http.StatusText(status)))
	}
	if err := schemas.Validate("submit", payload); err != nil {
		return "", &SubmitError{Provider: provider, Status: status, Err: err}
	}
	if c := gjson.GetBytes(payload, "code").Int(); c != 200 {
		return "", rejected(provider, "code %d: %s", c, reason(gjson.GetBytes(payload, "msg"), "no message"))
	}
	id := strings.TrimSpace(gjson.GetBytes(payload, "data.taskId").String())
	if id == "" {
		return "", rejected(provider, "response carried no task id")
	}
	return id, nil
}
