package jimeng

import (
	"encoding/json"
	"fmt"
)

// historyImageInfo is the rendering descriptor attached to image history
// queries. It makes the backend include full-size image URLs in the record
// instead of thumbnails only.
var historyImageInfo = map[string]any{
	"width":  2048,
	"height": 2048,
	"format": "webp",
	"image_scene_list": []map[string]any{
		cropScene(360, 360), cropScene(480, 480), cropScene(720, 720),
		cropScene(720, 480), cropScene(360, 240), cropScene(240, 320),
		cropScene(480, 640),
		normalScene(2400), normalScene(1080), normalScene(720),
		normalScene(480), normalScene(360),
	},
}

func cropScene(w, h int) map[string]any {
	return map[string]any{
		"scene":    "smart_crop",
		"width":    w,
		"height":   h,
		"uniq_key": fmt.Sprintf("smart_crop-w:%d-h:%d", w, h),
		"format":   "webp",
	}
}

func normalScene(size int) map[string]any {
	return map[string]any{
		"scene":    "normal",
		"width":    size,
		"height":   size,
		"uniq_key": fmt.Sprintf("%d", size),
		"format":   "webp",
	}
}

// parseHistoryRecord locates the requested record in a history response. The
// backend answers with a map keyed by history id on most deployments, but
// some return a history_list or history_records array instead.
func parseHistoryRecord(data []byte, historyID string) (*historyRecord, error) {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("jimeng: decode history response: %w", err)
	}

	raw, ok := keyed[historyID]
	if !ok {
		for _, key := range []string{"history_list", "history_records"} {
			list, found := keyed[key]
			if !found {
				continue
			}
			var records []json.RawMessage
			if err := json.Unmarshal(list, &records); err == nil && len(records) > 0 {
				raw = records[0]
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, ErrRecordMissing
	}

	var rec historyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("jimeng: decode history record: %w", err)
	}
	return &rec, nil
}
