package jimeng

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimengapi/jimeng-go/internal/api"
	"github.com/jimengapi/jimeng-go/internal/poller"
	"github.com/jimengapi/jimeng-go/internal/storage"
	"github.com/jimengapi/jimeng-go/internal/uploader"
)

// fakeBackend serves every endpoint a full generation touches: credit,
// submission, history, the storage upload protocol and the media CDN.
type fakeBackend struct {
	t *testing.T

	creditBody   string
	generateBody string
	// historyBodies are served in order; the last one repeats.
	historyBodies []string

	media []byte

	generateCalls  atomic.Int32
	receiveCalls   atomic.Int32
	historyCalls   atomic.Int32
	lastGenerate   []byte
	lastGenQuery   string
	lastHistoryReq []byte

	server *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	f := &fakeBackend{
		t:            t,
		creditBody:   `{"ret":"0","data":{"credit":{"gift_credit":5,"purchase_credit":0,"vip_credit":0}}}`,
		generateBody: `{"ret":"0","data":{"aigc_data":{"history_record_id":"h-1"}}}`,
		media:        []byte("webp-bytes"),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) url() string { return f.server.URL }

// historyDone is a terminal image record carrying one media URL.
func (f *fakeBackend) historyDone() string {
	return fmt.Sprintf(
		`{"ret":"0","data":{"h-1":{"status":10,"item_list":[{"image":{"large_images":[{"image_url":"%s/media/out.webp"}]}}]}}}`,
		f.url(),
	)
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/commerce/v1/benefits/user_credit":
		_, _ = w.Write([]byte(f.creditBody))

	case r.URL.Path == "/commerce/v1/benefits/credit_receive":
		f.receiveCalls.Add(1)
		_, _ = w.Write([]byte(`{"ret":"0","data":{}}`))

	case r.URL.Path == "/mweb/v1/aigc_draft/generate":
		f.generateCalls.Add(1)
		f.lastGenerate, _ = io.ReadAll(r.Body)
		f.lastGenQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(f.generateBody))

	case r.URL.Path == "/mweb/v1/get_history_by_ids":
		f.lastHistoryReq, _ = io.ReadAll(r.Body)
		n := int(f.historyCalls.Add(1))
		bodies := f.historyBodies
		if len(bodies) == 0 {
			bodies = []string{f.historyDone()}
		}
		if n > len(bodies) {
			n = len(bodies)
		}
		_, _ = w.Write([]byte(bodies[n-1]))

	case r.URL.Path == "/passport/account/info/v2":
		_, _ = w.Write([]byte(`{"ret":"0","data":{"user_id":42}}`))

	case r.URL.Path == "/mweb/v1/get_upload_token":
		_, _ = w.Write([]byte(`{"ret":"0","data":{"access_key_id":"ak","secret_access_key":"sk","session_token":"st","service_id":"svc-1"}}`))

	case r.URL.Query().Get("Action") == "ApplyImageUpload":
		fmt.Fprintf(w, `{"Result":{"UploadAddress":{"StoreInfos":[{"StoreUri":"svc-1/abc","Auth":"auth"}],"UploadHosts":[%q],"SessionKey":"sess"}}}`, f.url())

	case r.URL.Path == "/upload/v1/svc-1/abc":
		_, _ = w.Write([]byte(`{}`))

	case r.URL.Query().Get("Action") == "CommitImageUpload":
		_, _ = w.Write([]byte(`{"Result":{"Results":[{"Uri":"svc-1/abc","UriStatus":2000}]}}`))

	case r.URL.Path == "/media/out.webp":
		_, _ = w.Write(f.media)

	default:
		f.t.Errorf("unexpected request: %s %s", r.Method, r.URL)
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeBackend, opts ...Option) *Client {
	t.Helper()

	gateway := api.NewClient(
		api.WithBaseURL(f.url()),
		api.WithIdentity(api.NewIdentity(rand.New(rand.NewSource(7)))),
		api.WithRetry(0, time.Millisecond),
	)
	up := uploader.New(gateway,
		uploader.WithApplyBase(f.url()),
		uploader.WithRand(rand.New(rand.NewSource(42))),
	)

	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	base := []Option{
		WithGateway(gateway),
		WithUploader(up),
		WithTokens("tok"),
		WithRand(rand.New(rand.NewSource(1))),
		WithNow(func() time.Time { return time.Unix(1700000000, 0) }),
		WithPollOptions(poller.WithClock(time.Now, noSleep)),
	}
	return New(append(base, opts...)...)
}

func TestGenerateImage_HappyPath(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	result, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "a red fox"})
	require.NoError(t, err)

	require.Len(t, result.Data, 1)
	assert.Equal(t, f.url()+"/media/out.webp", result.Data[0].URL)
	assert.Equal(t, int64(1700000000), result.Created)
	assert.Equal(t, int32(1), f.generateCalls.Load())
	assert.Equal(t, int32(1), f.historyCalls.Load(), "terminal status on the first round needs exactly one poll")
	assert.Equal(t, int32(0), f.receiveCalls.Load(), "positive balance must not trigger a claim")

	// The submission wraps the draft as an embedded JSON string.
	var payload struct {
		DraftContent string         `json:"draft_content"`
		HTTPCommon   map[string]any `json:"http_common_info"`
	}
	require.NoError(t, json.Unmarshal(f.lastGenerate, &payload))
	var draft struct {
		Version       string `json:"version"`
		ComponentList []struct {
			GenerateType string `json:"generate_type"`
		} `json:"component_list"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.DraftContent), &draft))
	assert.Equal(t, "3.2.9", draft.Version)
	require.Len(t, draft.ComponentList, 1)
	assert.Equal(t, "generate", draft.ComponentList[0].GenerateType)
	assert.Equal(t, float64(513695), payload.HTTPCommon["aid"])

	// Image polls attach the rendering descriptor.
	assert.Contains(t, string(f.lastHistoryReq), "image_info")
}

func TestGenerateImage_Base64Format(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	result, err := c.GenerateImage(context.Background(), GenerateImageRequest{
		Prompt:         "a red fox",
		ResponseFormat: FormatBase64,
	})
	require.NoError(t, err)

	require.Len(t, result.Data, 1)
	assert.Empty(t, result.Data[0].URL)
	assert.Equal(t, base64.StdEncoding.EncodeToString(f.media), result.Data[0].B64JSON)
}

func TestGenerateImage_ClaimsCreditWhenExhausted(t *testing.T) {
	f := newFakeBackend(t)
	f.creditBody = `{"ret":"0","data":{"credit":{"gift_credit":0,"purchase_credit":0,"vip_credit":0}}}`
	c := newTestClient(t, f)

	_, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.receiveCalls.Load())
}

func TestGenerateImage_InvalidRatio(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	_, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x", Ratio: "5:4"})
	assert.Error(t, err)
	assert.Equal(t, int32(0), f.generateCalls.Load())
}

func TestGenerateImage_MissingHistoryID(t *testing.T) {
	f := newFakeBackend(t)
	f.generateBody = `{"ret":"0","data":{"aigc_data":{}}}`
	c := newTestClient(t, f)

	_, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNoHistoryID)
}

func TestGenerateImage_FailedJob(t *testing.T) {
	f := newFakeBackend(t)
	f.historyBodies = []string{
		`{"ret":"0","data":{"h-1":{"status":30,"fail_code":2038,"item_list":[]}}}`,
	}
	c := newTestClient(t, f)

	_, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x"})
	require.ErrorIs(t, err, ErrNoResults)
	assert.Contains(t, err.Error(), "2038")
}

func TestGenerateImage_MultiRoundPolling(t *testing.T) {
	f := newFakeBackend(t)
	f.historyBodies = []string{
		`{"ret":"0","data":{"h-1":{"status":20,"item_list":[]}}}`,
		`{"ret":"0","data":{"h-1":{"status":42,"item_list":[]}}}`,
		f.historyDone(),
	}
	c := newTestClient(t, f)

	result, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Len(t, result.Data, 1)
	assert.Equal(t, int32(3), f.historyCalls.Load())
}

func TestComposeImages_HappyPath(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	source := base64.StdEncoding.EncodeToString([]byte("input-image"))
	result, err := c.ComposeImages(context.Background(), ComposeRequest{
		Prompt: "merge these",
		Images: []string{source, source},
	})
	require.NoError(t, err)

	assert.Len(t, result.Data, 1)
	assert.Equal(t, 2, result.InputImages)
	assert.Equal(t, "multi_image_synthesis", result.CompositionType)

	var payload struct {
		DraftContent string `json:"draft_content"`
	}
	require.NoError(t, json.Unmarshal(f.lastGenerate, &payload))
	var draft struct {
		ComponentList []struct {
			GenerateType string `json:"generate_type"`
			Abilities    struct {
				Blend struct {
					CoreParam struct {
						Prompt string `json:"prompt"`
					} `json:"core_param"`
					AbilityList []struct {
						Name string `json:"name"`
					} `json:"ability_list"`
					Placeholders []struct {
						AbilityIndex int `json:"ability_index"`
					} `json:"prompt_placeholder_info_list"`
				} `json:"blend"`
			} `json:"abilities"`
		} `json:"component_list"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.DraftContent), &draft))
	require.Len(t, draft.ComponentList, 1)
	comp := draft.ComponentList[0]
	assert.Equal(t, "blend", comp.GenerateType)
	assert.Equal(t, "##merge these", comp.Abilities.Blend.CoreParam.Prompt)
	require.Len(t, comp.Abilities.Blend.AbilityList, 2)
	assert.Equal(t, "byte_edit", comp.Abilities.Blend.AbilityList[0].Name)
	require.Len(t, comp.Abilities.Blend.Placeholders, 2)
	assert.Equal(t, 1, comp.Abilities.Blend.Placeholders[1].AbilityIndex)
}

func TestComposeImages_TooManyImages(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	images := make([]string, 11)
	for i := range images {
		images[i] = base64.StdEncoding.EncodeToString([]byte("x"))
	}
	_, err := c.ComposeImages(context.Background(), ComposeRequest{Prompt: "x", Images: images})
	assert.Error(t, err)
	assert.Equal(t, int32(0), f.generateCalls.Load())
}

func TestGenerateVideo_HappyPath(t *testing.T) {
	f := newFakeBackend(t)
	f.historyBodies = []string{fmt.Sprintf(
		`{"ret":"0","data":{"h-1":{"status":10,"item_list":[{"video":{"transcoded_video":{"origin":{"video_url":"%s/media/out.webp"}}}}]}}}`,
		f.url(),
	)}
	c := newTestClient(t, f)

	result, err := c.GenerateVideo(context.Background(), GenerateVideoRequest{Prompt: "a fox running"})
	require.NoError(t, err)

	require.Len(t, result.Data, 1)
	assert.Equal(t, f.url()+"/media/out.webp", result.Data[0].URL)

	// Video submissions carry the versioned query parameters.
	assert.Contains(t, f.lastGenQuery, "web_version=6.6.0")
	assert.Contains(t, f.lastGenQuery, "da_version=3.2.9")

	// Video polls do not attach the image rendering descriptor.
	assert.NotContains(t, string(f.lastHistoryReq), "image_info")

	var payload struct {
		DraftContent string `json:"draft_content"`
		Extend       struct {
			CommerceInfo struct {
				BenefitType string `json:"benefit_type"`
			} `json:"m_video_commerce_info"`
		} `json:"extend"`
	}
	require.NoError(t, json.Unmarshal(f.lastGenerate, &payload))
	assert.Equal(t, "basic_video_operation_vgfm_v_three", payload.Extend.CommerceInfo.BenefitType)

	var draft struct {
		ComponentList []struct {
			GenerateType string `json:"generate_type"`
			Abilities    struct {
				GenVideo struct {
					Params struct {
						AspectRatio string `json:"video_aspect_ratio"`
						Inputs      []struct {
							DurationMS int    `json:"duration_ms"`
							FPS        int    `json:"fps"`
							Resolution string `json:"resolution"`
						} `json:"video_gen_inputs"`
					} `json:"text_to_video_params"`
				} `json:"gen_video"`
			} `json:"abilities"`
		} `json:"component_list"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.DraftContent), &draft))
	require.Len(t, draft.ComponentList, 1)
	comp := draft.ComponentList[0]
	assert.Equal(t, "gen_video", comp.GenerateType)
	assert.Equal(t, "1:1", comp.Abilities.GenVideo.Params.AspectRatio)
	require.Len(t, comp.Abilities.GenVideo.Params.Inputs, 1)
	assert.Equal(t, 5000, comp.Abilities.GenVideo.Params.Inputs[0].DurationMS)
	assert.Equal(t, 24, comp.Abilities.GenVideo.Params.Inputs[0].FPS)
	assert.Equal(t, "720p", comp.Abilities.GenVideo.Params.Inputs[0].Resolution)
}

func TestGetBalance(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	balances, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "tok", balances[0].Token)
	assert.Equal(t, int64(5), balances[0].Gift)
	assert.Equal(t, int64(5), balances[0].Total)
}

func TestGetBalance_NoTokens(t *testing.T) {
	c := New()
	_, err := c.GetBalance(context.Background())
	assert.Error(t, err)
}

func TestCheckAlive(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	alive, err := c.CheckAlive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestExport_LocalStorage(t *testing.T) {
	f := newFakeBackend(t)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	c := newTestClient(t, f, WithStorage(local))

	result := &GenerateResult{Data: []Item{{URL: f.url() + "/media/out.webp"}}}
	locations, err := c.Export(context.Background(), result, "fox")
	require.NoError(t, err)

	require.Len(t, locations, 1)
	assert.Contains(t, locations[0], "fox_0.webp")
}

func TestExport_Base64Item(t *testing.T) {
	f := newFakeBackend(t)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	c := newTestClient(t, f, WithStorage(local))

	result := &GenerateResult{Data: []Item{{B64JSON: base64.StdEncoding.EncodeToString([]byte("inline"))}}}
	locations, err := c.Export(context.Background(), result, "clip")
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Contains(t, locations[0], "clip_0.bin")
}

func TestExport_NoStorage(t *testing.T) {
	f := newFakeBackend(t)
	c := newTestClient(t, f)

	_, err := c.Export(context.Background(), &GenerateResult{Data: []Item{{URL: "x"}}}, "a")
	assert.ErrorIs(t, err, ErrNoStorage)
}

func TestParseHistoryRecord(t *testing.T) {
	keyed := []byte(`{"h-1":{"status":42,"fail_code":"","item_list":[{}]}}`)
	rec, err := parseHistoryRecord(keyed, "h-1")
	require.NoError(t, err)
	assert.Equal(t, 42, rec.Status)
	assert.Len(t, rec.ItemList, 1)

	list := []byte(`{"history_list":[{"status":50,"item_list":[]}]}`)
	rec, err = parseHistoryRecord(list, "h-1")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Status)

	records := []byte(`{"history_records":[{"status":20}]}`)
	rec, err = parseHistoryRecord(records, "h-1")
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Status)

	_, err = parseHistoryRecord([]byte(`{}`), "h-1")
	assert.ErrorIs(t, err, ErrRecordMissing)
}

func TestFlexString(t *testing.T) {
	var rec historyRecord
	require.NoError(t, json.Unmarshal([]byte(`{"fail_code":2038}`), &rec))
	assert.Equal(t, "2038", string(rec.FailCode))

	require.NoError(t, json.Unmarshal([]byte(`{"fail_code":"2038"}`), &rec))
	assert.Equal(t, "2038", string(rec.FailCode))

	require.NoError(t, json.Unmarshal([]byte(`{"fail_code":null}`), &rec))
	assert.Equal(t, "", string(rec.FailCode))
}

func TestAspectRatio(t *testing.T) {
	assert.Equal(t, "1:1", aspectRatio(1024, 1024))
	assert.Equal(t, "16:9", aspectRatio(2560, 1440))
	assert.Equal(t, "9:16", aspectRatio(720, 1280))
}

func TestNewID_DeterministicFromInjectedRand(t *testing.T) {
	a := New(WithRand(rand.New(rand.NewSource(5))))
	b := New(WithRand(rand.New(rand.NewSource(5))))

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.newID(), b.newID())
		assert.Equal(t, a.newSeed(), b.newSeed())
	}

	seed := a.newSeed()
	assert.GreaterOrEqual(t, seed, int64(2_500_000_000))
	assert.Less(t, seed, int64(2_600_000_000))
}

func TestNewID_Concurrent(t *testing.T) {
	c := New(WithRand(rand.New(rand.NewSource(5))))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				assert.NotEmpty(t, c.newID())
				c.newSeed()
			}
		}()
	}
	wg.Wait()
}

func TestItemURLFallbacks(t *testing.T) {
	var item historyItem
	require.NoError(t, json.Unmarshal([]byte(`{"common_attr":{"cover_url":"http://a/cover"}}`), &item))
	assert.Equal(t, "http://a/cover", item.imageURL())

	require.NoError(t, json.Unmarshal([]byte(`{"video":{"play_url":"http://a/play"}}`), &item))
	assert.Equal(t, "http://a/play", item.videoURL())

	require.NoError(t, json.Unmarshal([]byte(`{"video":{"url":"not-a-url"}}`), &item))
	assert.Equal(t, "", item.videoURL())
}
