package jimeng

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/jimengapi/jimeng-go/internal/api"
	"github.com/jimengapi/jimeng-go/internal/params"
	"github.com/jimengapi/jimeng-go/internal/poller"
)

// Draft protocol versions the web frontend currently submits.
const (
	draftMinVersion      = "3.0.2"
	draftVersion         = "3.2.9"
	videoDraftMinVersion = "3.0.5"
)

// GenerateImage submits a text-to-image job and waits for its results.
func (c *Client) GenerateImage(ctx context.Context, req GenerateImageRequest) (*GenerateResult, error) {
	req = req.withDefaults()
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("jimeng: invalid request: %w", err)
	}

	token, err := c.sessions.Choose(req.Tokens...)
	if err != nil {
		return nil, err
	}
	us := api.IsUSToken(token)

	modelKey, err := params.ImageModel(req.Model, us)
	if err != nil {
		return nil, err
	}

	// The external model renders at a fixed square size regardless of the
	// requested grid cell.
	var res params.Resolution
	if req.Model == "nanobanana" {
		res = params.Resolution{Width: 1024, Height: 1024, Ratio: 1, Type: "2k"}
	} else {
		res, err = params.ResolutionFor(req.Resolution, req.Ratio)
		if err != nil {
			return nil, err
		}
	}

	c.ensureCredit(ctx, token)

	componentID := c.newID()
	component := map[string]any{
		"type":          "image_base_component",
		"id":            componentID,
		"min_version":   draftMinVersion,
		"aigc_mode":     "workbench",
		"metadata":      c.componentMetadata(),
		"generate_type": "generate",
		"abilities": map[string]any{
			"type": "",
			"id":   c.newID(),
			"generate": map[string]any{
				"type":       "",
				"id":         c.newID(),
				"core_param": c.imageCoreParam(modelKey, req.Prompt, req.NegativePrompt, req.SampleStrength, res),
			},
		},
	}

	payload, err := c.draftPayload(token, modelKey, componentID, component, nil)
	if err != nil {
		return nil, err
	}

	historyID, err := c.submitDraft(ctx, token, payload, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Info("image job submitted",
		slog.String("history_id", historyID),
		slog.String("model", req.Model),
	)

	result, rec, err := c.poll(ctx, historyID, token, true, poller.WithExpectedItems(1))
	if err != nil {
		return nil, err
	}

	urls := extractImageURLs(rec)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: status %d, fail code %q", ErrNoResults, result.Status, result.FailCode)
	}

	items, err := c.formatItems(ctx, urls, req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Created: c.now().Unix(), Data: items}, nil
}

// ComposeImages uploads the reference images and submits a blend job that
// combines them under the prompt's direction.
func (c *Client) ComposeImages(ctx context.Context, req ComposeRequest) (*GenerateResult, error) {
	req = req.withDefaults()
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("jimeng: invalid request: %w", err)
	}

	token, err := c.sessions.Choose(req.Tokens...)
	if err != nil {
		return nil, err
	}
	us := api.IsUSToken(token)

	modelKey, err := params.ImageModel(req.Model, us)
	if err != nil {
		return nil, err
	}
	res, err := params.ResolutionFor(req.Resolution, req.Ratio)
	if err != nil {
		return nil, err
	}

	uploaded := make([]string, 0, len(req.Images))
	for i, source := range req.Images {
		uri, upErr := c.uploader.UploadSource(ctx, source, token)
		if upErr != nil {
			return nil, fmt.Errorf("jimeng: upload image %d: %w", i, upErr)
		}
		uploaded = append(uploaded, uri)
	}

	c.ensureCredit(ctx, token)

	// A blend prompt is marked with a placeholder prefix; the placeholder
	// info list binds each reference image into it.
	core := c.imageCoreParam(modelKey, "##"+req.Prompt, "", req.SampleStrength, res)
	delete(core, "negative_prompt")
	delete(core, "seed")

	abilityList := make([]map[string]any, 0, len(uploaded))
	placeholders := make([]map[string]any, 0, len(uploaded))
	for i, uri := range uploaded {
		abilityList = append(abilityList, map[string]any{
			"type":           "",
			"id":             c.newID(),
			"name":           "byte_edit",
			"image_uri_list": []string{uri},
			"image_list": []map[string]any{{
				"type":          "image",
				"id":            c.newID(),
				"source_from":   "upload",
				"platform_type": 1,
				"name":          "",
				"image_uri":     uri,
				"width":         0,
				"height":        0,
				"format":        "",
				"uri":           uri,
			}},
			"strength": 0.5,
		})
		placeholders = append(placeholders, map[string]any{
			"type":          "",
			"id":            c.newID(),
			"ability_index": i,
		})
	}

	componentID := c.newID()
	component := map[string]any{
		"type":          "image_base_component",
		"id":            componentID,
		"min_version":   draftMinVersion,
		"aigc_mode":     "workbench",
		"metadata":      c.componentMetadata(),
		"generate_type": "blend",
		"abilities": map[string]any{
			"type": "",
			"id":   c.newID(),
			"blend": map[string]any{
				"type":                         "",
				"id":                           c.newID(),
				"min_features":                 []string{},
				"core_param":                   core,
				"ability_list":                 abilityList,
				"prompt_placeholder_info_list": placeholders,
				"postedit_param":               map[string]any{"type": "", "id": c.newID(), "generate_type": 0},
			},
		},
	}

	payload, err := c.draftPayload(token, modelKey, componentID, component, nil)
	if err != nil {
		return nil, err
	}

	historyID, err := c.submitDraft(ctx, token, payload, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Info("composition job submitted",
		slog.String("history_id", historyID),
		slog.Int("inputs", len(uploaded)),
	)

	result, rec, err := c.poll(ctx, historyID, token, true, poller.WithExpectedItems(1))
	if err != nil {
		return nil, err
	}

	urls := extractImageURLs(rec)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: status %d, fail code %q", ErrNoResults, result.Status, result.FailCode)
	}

	items, err := c.formatItems(ctx, urls, req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{
		Created:         c.now().Unix(),
		Data:            items,
		InputImages:     len(uploaded),
		CompositionType: "multi_image_synthesis",
	}, nil
}

func (r GenerateImageRequest) withDefaults() GenerateImageRequest {
	if r.Model == "" {
		r.Model = params.DefaultImageModel
	}
	if r.Ratio == "" {
		r.Ratio = params.DefaultRatio
	}
	if r.Resolution == "" {
		r.Resolution = params.DefaultResolution
	}
	if r.SampleStrength == 0 {
		r.SampleStrength = 0.5
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = FormatURL
	}
	return r
}

func (r ComposeRequest) withDefaults() ComposeRequest {
	if r.Model == "" {
		r.Model = params.DefaultImageModel
	}
	if r.Ratio == "" {
		r.Ratio = params.DefaultRatio
	}
	if r.Resolution == "" {
		r.Resolution = params.DefaultResolution
	}
	if r.SampleStrength == 0 {
		r.SampleStrength = 0.5
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = FormatURL
	}
	return r
}

// imageCoreParam builds the shared core_param block of an image draft.
func (c *Client) imageCoreParam(modelKey, prompt, negativePrompt string, strength float64, res params.Resolution) map[string]any {
	return map[string]any{
		"type":            "",
		"id":              c.newID(),
		"model":           modelKey,
		"prompt":          prompt,
		"negative_prompt": negativePrompt,
		"seed":            c.newSeed(),
		"sample_strength": strength,
		"image_ratio":     res.Ratio,
		"large_image_info": map[string]any{
			"type":            "",
			"id":              c.newID(),
			"height":          res.Height,
			"width":           res.Width,
			"resolution_type": res.Type,
		},
		"intelligent_ratio": false,
	}
}

// draftPayload wraps one component into the submission envelope. The draft
// itself travels as an embedded JSON string.
func (c *Client) draftPayload(token, modelKey, componentID string, component map[string]any, extend map[string]any) (map[string]any, error) {
	draft := map[string]any{
		"type":              "draft",
		"id":                c.newID(),
		"min_version":       draftMinVersion,
		"min_features":      []string{},
		"is_from_tsn":       true,
		"version":           draftVersion,
		"main_component_id": componentID,
		"component_list":    []any{component},
	}
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("jimeng: marshal draft: %w", err)
	}

	if extend == nil {
		extend = map[string]any{"root_model": modelKey}
	}
	return map[string]any{
		"extend":           extend,
		"submit_id":        c.newID(),
		"metrics_extra":    metricsExtra(c.newID()),
		"draft_content":    string(draftJSON),
		"http_common_info": map[string]any{"aid": aidNumber(token)},
	}, nil
}

// submitDraft posts a draft and returns the job handle to poll.
func (c *Client) submitDraft(ctx context.Context, token string, payload map[string]any, extraParams url.Values) (string, error) {
	data, err := c.gateway.Do(ctx, "POST", "/mweb/v1/aigc_draft/generate", token, api.RequestOptions{
		JSON:   payload,
		Params: extraParams,
	})
	if err != nil {
		return "", fmt.Errorf("jimeng: submit generation: %w", err)
	}

	var resp struct {
		AigcData struct {
			HistoryRecordID string `json:"history_record_id"`
		} `json:"aigc_data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.AigcData.HistoryRecordID == "" {
		return "", ErrNoHistoryID
	}
	return resp.AigcData.HistoryRecordID, nil
}

func (c *Client) componentMetadata() map[string]any {
	return map[string]any{
		"type":                     "",
		"id":                       c.newID(),
		"created_platform":         3,
		"created_platform_version": "",
		"created_time_in_ms":       strconv.FormatInt(c.now().UnixMilli(), 10),
		"created_did":              "",
	}
}

// newSeed draws from the band of seeds the web frontend uses.
func (c *Client) newSeed() int64 {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return 2_500_000_000 + c.rand.Int63n(100_000_000)
}

// newID derives a UUID from the client's randomness source, so an injected
// source yields reproducible payload ids.
func (c *Client) newID() string {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	id, err := uuid.NewRandomFromReader(c.rand)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func metricsExtra(generateID string) string {
	b, _ := json.Marshal(map[string]any{
		"promptSource":  "custom",
		"generateCount": 1,
		"enterFrom":     "click",
		"generateId":    generateID,
		"isRegenerate":  false,
	})
	return string(b)
}

func aidNumber(token string) int {
	n, _ := strconv.Atoi(api.AssistantID(token))
	return n
}

func extractImageURLs(rec *historyRecord) []string {
	if rec == nil {
		return nil
	}
	urls := make([]string, 0, len(rec.ItemList))
	for _, item := range rec.ItemList {
		if u := item.imageURL(); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
