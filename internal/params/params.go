// Package params holds the static per-model parameter tables: model-name
// aliases and the resolution/ratio grid. These are data, not logic; the
// values mirror what the web frontend submits.
package params

import (
	"errors"
	"fmt"
)

// Defaults used when the caller leaves the field empty.
const (
	DefaultImageModel = "jimeng-4.0"
	DefaultVideoModel = "jimeng-video-3.0"
	DefaultRatio      = "1:1"
	DefaultResolution = "2k"
)

// Static errors for table lookups.
var (
	// ErrUnknownResolution is returned for a resolution outside the grid.
	ErrUnknownResolution = errors.New("params: unsupported resolution")
	// ErrUnknownRatio is returned for a ratio the resolution does not offer.
	ErrUnknownRatio = errors.New("params: unsupported ratio")
	// ErrModelNotOnUS is returned for models the international site lacks.
	ErrModelNotOnUS = errors.New("params: model not available on the international site")
)

// Resolution is one cell of the resolution/ratio grid.
type Resolution struct {
	Width  int
	Height int
	Ratio  int // frontend ratio enum, not the numeric aspect
	Type   string
}

// ratio enum values used by the draft payload.
const (
	ratioSquare    = 1
	ratioPortrait  = 2 // 3:4
	ratioLandscape = 3 // 4:3
	ratioWide      = 4 // 16:9
	ratioTall      = 5 // 9:16
	ratioTwoThree  = 6
	ratioThreeTwo  = 7
	ratioCinema    = 8 // 21:9
)

var resolutionGrid = map[string]map[string]Resolution{
	"1k": {
		"1:1":  {1024, 1024, ratioSquare, "1k"},
		"3:4":  {864, 1152, ratioPortrait, "1k"},
		"4:3":  {1152, 864, ratioLandscape, "1k"},
		"16:9": {1280, 720, ratioWide, "1k"},
		"9:16": {720, 1280, ratioTall, "1k"},
		"2:3":  {832, 1248, ratioTwoThree, "1k"},
		"3:2":  {1248, 832, ratioThreeTwo, "1k"},
		"21:9": {1512, 648, ratioCinema, "1k"},
	},
	"2k": {
		"1:1":  {2048, 2048, ratioSquare, "2k"},
		"3:4":  {1728, 2304, ratioPortrait, "2k"},
		"4:3":  {2304, 1728, ratioLandscape, "2k"},
		"16:9": {2560, 1440, ratioWide, "2k"},
		"9:16": {1440, 2560, ratioTall, "2k"},
		"2:3":  {1664, 2496, ratioTwoThree, "2k"},
		"3:2":  {2496, 1664, ratioThreeTwo, "2k"},
		"21:9": {3024, 1296, ratioCinema, "2k"},
	},
	"4k": {
		"1:1":  {4096, 4096, ratioSquare, "4k"},
		"3:4":  {3456, 4608, ratioPortrait, "4k"},
		"4:3":  {4608, 3456, ratioLandscape, "4k"},
		"16:9": {4096, 2304, ratioWide, "4k"},
		"9:16": {2304, 4096, ratioTall, "4k"},
		"2:3":  {3328, 4992, ratioTwoThree, "4k"},
		"3:2":  {4992, 3328, ratioThreeTwo, "4k"},
		"21:9": {6048, 2592, ratioCinema, "4k"},
	},
}

// ResolutionFor looks up the width/height/ratio bundle for a resolution
// class and aspect ratio.
func ResolutionFor(resolution, ratio string) (Resolution, error) {
	group, ok := resolutionGrid[resolution]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}
	res, ok := group[ratio]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q at %s", ErrUnknownRatio, ratio, resolution)
	}
	return res, nil
}

var imageModels = map[string]string{
	"jimeng-4.0":     "high_aes_general_v40",
	"jimeng-3.1":     "high_aes_general_v30l_art_fangzhou:general_v3.0_18b",
	"jimeng-3.0":     "high_aes_general_v30l:general_v3.0_18b",
	"jimeng-2.1":     "high_aes_general_v21_L:general_v2.1_L",
	"jimeng-2.0-pro": "high_aes_general_v20_L:general_v2.0_L",
	"jimeng-2.0":     "high_aes_general_v20:general_v2.0",
	"jimeng-1.4":     "high_aes_general_v14:general_v1.4",
	"jimeng-xl-pro":  "text2img_xl_sft",
	"nanobanana":     "external_model_banana_v1",
}

// The international site exposes a reduced model set.
var imageModelsUS = map[string]string{
	"jimeng-4.0": "high_aes_general_v40",
	"jimeng-3.0": "high_aes_general_v30l:general_v3.0_18b",
	"nanobanana": "external_model_banana_v1",
}

var videoModels = map[string]string{
	"jimeng-video-3.0":     "dreamina_ic_generate_video_model_vgfm_3.0",
	"jimeng-video-2.0-pro": "dreamina_ic_generate_video_model_vgfm1.0",
	"jimeng-video-2.0":     "dreamina_ic_generate_video_model_vgfm_lite",
}

// ImageModel resolves a public model alias to the backend model key.
// Unknown aliases fall back to the default model on the CN site; the US site
// rejects them instead, listing what it supports.
func ImageModel(name string, us bool) (string, error) {
	table := imageModels
	if us {
		table = imageModelsUS
		if _, ok := table[name]; !ok {
			return "", fmt.Errorf("%w: %q (supported: %s)", ErrModelNotOnUS, name, supportedUS())
		}
	}
	if key, ok := table[name]; ok {
		return key, nil
	}
	return table[DefaultImageModel], nil
}

// VideoModel resolves a public video model alias, falling back to the
// default model for unknown names.
func VideoModel(name string) string {
	if key, ok := videoModels[name]; ok {
		return key
	}
	return videoModels[DefaultVideoModel]
}

// ImageModelNames lists the public image model aliases.
func ImageModelNames() []string {
	names := make([]string, 0, len(imageModels))
	for name := range imageModels {
		names = append(names, name)
	}
	return names
}

func supportedUS() string {
	out := ""
	for name := range imageModelsUS {
		if out != "" {
			out += ", "
		}
		out += name
	}
	return out
}
