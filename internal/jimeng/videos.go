package jimeng

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jimengapi/jimeng-go/internal/params"
	"github.com/jimengapi/jimeng-go/internal/poller"
)

// Video jobs render far slower than images, so they poll on their own
// schedule.
const (
	videoPollInterval = 3 * time.Second
	videoPollTimeout  = 10 * time.Minute
)

// videoBenefit is the commerce descriptor the frontend attaches to every
// video submission.
var videoBenefit = map[string]any{
	"benefit_type":      "basic_video_operation_vgfm_v_three",
	"resource_id":       "generate_video",
	"resource_id_type":  "str",
	"resource_sub_type": "aigc",
}

// GenerateVideo submits a text-to-video job and waits for the produced clip.
func (c *Client) GenerateVideo(ctx context.Context, req GenerateVideoRequest) (*GenerateResult, error) {
	req = req.withDefaults()
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("jimeng: invalid request: %w", err)
	}

	token, err := c.sessions.Choose(req.Tokens...)
	if err != nil {
		return nil, err
	}

	modelKey := params.VideoModel(req.Model)
	c.logger.Info("video job",
		slog.String("model", req.Model),
		slog.String("model_key", modelKey),
	)

	c.ensureCredit(ctx, token)

	payload, err := c.videoPayload(token, modelKey, req)
	if err != nil {
		return nil, err
	}

	extraParams := url.Values{}
	extraParams.Set("web_version", "6.6.0")
	extraParams.Set("da_version", draftVersion)
	extraParams.Set("aigc_features", "app_lip_sync")

	historyID, err := c.submitDraft(ctx, token, payload, extraParams)
	if err != nil {
		return nil, err
	}
	c.logger.Info("video job submitted", slog.String("history_id", historyID))

	result, rec, err := c.poll(ctx, historyID, token, false,
		poller.WithExpectedItems(1),
		poller.WithInterval(videoPollInterval),
		poller.WithTimeout(videoPollTimeout),
	)
	if err != nil {
		return nil, err
	}

	videoURL := extractVideoURL(rec)
	if videoURL == "" {
		return nil, fmt.Errorf("%w: status %d, fail code %q", ErrNoResults, result.Status, result.FailCode)
	}

	items, err := c.formatItems(ctx, []string{videoURL}, req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Created: c.now().Unix(), Data: items}, nil
}

func (r GenerateVideoRequest) withDefaults() GenerateVideoRequest {
	if r.Model == "" {
		r.Model = params.DefaultVideoModel
	}
	if r.Width == 0 {
		r.Width = 1024
	}
	if r.Height == 0 {
		r.Height = 1024
	}
	if r.Resolution == "" {
		r.Resolution = "720p"
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = FormatURL
	}
	return r
}

func (c *Client) videoPayload(token, modelKey string, req GenerateVideoRequest) (map[string]any, error) {
	componentID := c.newID()
	metrics := videoMetricsExtra(c.newID())

	textToVideo := map[string]any{
		"type":               "",
		"id":                 c.newID(),
		"model_req_key":      modelKey,
		"priority":           0,
		"seed":               c.newSeed(),
		"video_aspect_ratio": aspectRatio(req.Width, req.Height),
		"video_gen_inputs": []map[string]any{{
			"duration_ms":       5000,
			"first_frame_image": nil,
			"end_frame_image":   nil,
			"fps":               24,
			"id":                c.newID(),
			"min_version":       videoDraftMinVersion,
			"prompt":            req.Prompt,
			"resolution":        req.Resolution,
			"type":              "",
			"video_mode":        2,
		}},
	}

	component := map[string]any{
		"type":        "video_base_component",
		"id":          componentID,
		"min_version": "1.0.0",
		"metadata": map[string]any{
			"type":                     "",
			"id":                       c.newID(),
			"created_platform":         3,
			"created_platform_version": "",
			"created_time_in_ms":       c.now().UnixMilli(),
			"created_did":              "",
		},
		"generate_type": "gen_video",
		"aigc_mode":     "workbench",
		"abilities": map[string]any{
			"type": "",
			"id":   c.newID(),
			"gen_video": map[string]any{
				"id":                   c.newID(),
				"type":                 "",
				"text_to_video_params": textToVideo,
				"video_task_extra":     metrics,
			},
		},
	}

	draft := map[string]any{
		"type":              "draft",
		"id":                c.newID(),
		"min_version":       videoDraftMinVersion,
		"is_from_tsn":       true,
		"version":           draftVersion,
		"main_component_id": componentID,
		"component_list":    []any{component},
	}
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("jimeng: marshal video draft: %w", err)
	}

	return map[string]any{
		"extend": map[string]any{
			"root_model":                 modelKey,
			"m_video_commerce_info":      videoBenefit,
			"m_video_commerce_info_list": []any{videoBenefit},
		},
		"submit_id":        c.newID(),
		"metrics_extra":    metrics,
		"draft_content":    string(draftJSON),
		"http_common_info": map[string]any{"aid": aidNumber(token)},
	}, nil
}

func videoMetricsExtra(originSubmitID string) string {
	b, _ := json.Marshal(map[string]any{
		"enterFrom":      "click",
		"isDefaultSeed":  1,
		"promptSource":   "custom",
		"isRegenerate":   false,
		"originSubmitId": originSubmitID,
	})
	return string(b)
}

// aspectRatio reduces width:height to lowest terms.
func aspectRatio(width, height int) string {
	g := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/g, height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func extractVideoURL(rec *historyRecord) string {
	if rec == nil || len(rec.ItemList) == 0 {
		return ""
	}
	return rec.ItemList[0].videoURL()
}
