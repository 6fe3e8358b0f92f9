package jimeng

import (
	"encoding/json"
	"strings"
)

// Response formats accepted by the generation operations.
const (
	FormatURL    = "url"
	FormatBase64 = "b64_json"
)

// GenerateImageRequest are the parameters of a text-to-image generation.
// Zero values fall back to the service defaults (jimeng-4.0, 1:1, 2k,
// sample strength 0.5, url format).
type GenerateImageRequest struct {
	Prompt         string  `validate:"required"`
	Model          string  `validate:"omitempty"`
	Ratio          string  `validate:"omitempty,oneof=1:1 3:4 4:3 16:9 9:16 2:3 3:2 21:9"`
	Resolution     string  `validate:"omitempty,oneof=1k 2k 4k"`
	NegativePrompt string  `validate:"omitempty"`
	SampleStrength float64 `validate:"gte=0,lte=1"`
	ResponseFormat string  `validate:"omitempty,oneof=url b64_json"`
	// Tokens restricts token selection to this set for one call.
	Tokens []string
}

// ComposeRequest are the parameters of a multi-image composition. Each
// image source may be a URL, an existing file path, or a (data-URI
// prefixed) base64 payload.
type ComposeRequest struct {
	Prompt         string   `validate:"required"`
	Images         []string `validate:"required,min=1,max=10"`
	Model          string   `validate:"omitempty"`
	Ratio          string   `validate:"omitempty,oneof=1:1 3:4 4:3 16:9 9:16 2:3 3:2 21:9"`
	Resolution     string   `validate:"omitempty,oneof=1k 2k 4k"`
	NegativePrompt string   `validate:"omitempty"`
	SampleStrength float64  `validate:"gte=0,lte=1"`
	ResponseFormat string   `validate:"omitempty,oneof=url b64_json"`
	Tokens         []string
}

// GenerateVideoRequest are the parameters of a text-to-video generation.
type GenerateVideoRequest struct {
	Prompt         string `validate:"required"`
	Model          string `validate:"omitempty"`
	Width          int    `validate:"omitempty,gte=256,lte=4096"`
	Height         int    `validate:"omitempty,gte=256,lte=4096"`
	Resolution     string `validate:"omitempty,oneof=480p 720p 1080p"`
	ResponseFormat string `validate:"omitempty,oneof=url b64_json"`
	Tokens         []string
}

// Item is one produced media entry: a URL or inline base64, never both.
type Item struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// GenerateResult is the shape every generation operation returns.
type GenerateResult struct {
	Created         int64  `json:"created"`
	Data            []Item `json:"data"`
	InputImages     int    `json:"input_images,omitempty"`
	CompositionType string `json:"composition_type,omitempty"`
}

// Balance is the credit breakdown of one token.
type Balance struct {
	Token    string `json:"token"`
	Gift     int64  `json:"giftCredit"`
	Purchase int64  `json:"purchaseCredit"`
	VIP      int64  `json:"vipCredit"`
	Total    int64  `json:"totalCredit"`
}

// flexString tolerates fields the backend serializes as either a JSON
// string or a bare number, fail_code in particular.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(text)
	return nil
}

// historyRecord is the slice of a history/status record the client reads.
type historyRecord struct {
	Status   int           `json:"status"`
	FailCode flexString    `json:"fail_code"`
	ItemList []historyItem `json:"item_list"`
}

type historyItem struct {
	Image      *itemImage  `json:"image"`
	CommonAttr *commonAttr `json:"common_attr"`
	ImageURL   string      `json:"image_url"`
	URL        string      `json:"url"`
	Video      *videoInfo  `json:"video"`
}

type itemImage struct {
	LargeImages []struct {
		ImageURL string `json:"image_url"`
	} `json:"large_images"`
}

type commonAttr struct {
	CoverURL string `json:"cover_url"`
}

type videoInfo struct {
	TranscodedVideo *struct {
		Origin struct {
			VideoURL string `json:"video_url"`
		} `json:"origin"`
	} `json:"transcoded_video"`
	PlayURL     string `json:"play_url"`
	DownloadURL string `json:"download_url"`
	URL         string `json:"url"`
}

// imageURL picks the best URL a produced image item offers.
func (it historyItem) imageURL() string {
	if it.Image != nil && len(it.Image.LargeImages) > 0 && it.Image.LargeImages[0].ImageURL != "" {
		return it.Image.LargeImages[0].ImageURL
	}
	if it.CommonAttr != nil && it.CommonAttr.CoverURL != "" {
		return it.CommonAttr.CoverURL
	}
	if it.ImageURL != "" {
		return it.ImageURL
	}
	return it.URL
}

// videoURL picks the best URL a produced video item offers.
func (it historyItem) videoURL() string {
	v := it.Video
	if v == nil {
		return ""
	}
	candidates := []string{"", v.PlayURL, v.DownloadURL, v.URL}
	if v.TranscodedVideo != nil {
		candidates[0] = v.TranscodedVideo.Origin.VideoURL
	}
	for _, url := range candidates {
		if strings.HasPrefix(url, "http") {
			return url
		}
	}
	return ""
}
