package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Credit is the per-account balance breakdown reported by the commerce
// endpoints.
type Credit struct {
	Gift     int64 `json:"gift_credit"`
	Purchase int64 `json:"purchase_credit"`
	VIP      int64 `json:"vip_credit"`
}

// Total sums the three credit buckets.
func (c Credit) Total() int64 { return c.Gift + c.Purchase + c.VIP }

// GetCredit reads the account's credit balance.
func (c *Client) GetCredit(ctx context.Context, token string) (Credit, error) {
	data, err := c.Do(ctx, "POST", "/commerce/v1/benefits/user_credit", token, RequestOptions{
		JSON:            map[string]any{},
		Headers:         map[string]string{"Referer": baseURLCN + "/ai-tool/image/generate"},
		NoDefaultParams: true,
	})
	if err != nil {
		return Credit{}, err
	}

	var payload struct {
		Credit *Credit `json:"credit"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Credit == nil {
		return Credit{}, &APIError{Message: "credit payload missing"}
	}
	return *payload.Credit, nil
}

// ReceiveCredit claims the daily free credit grant.
func (c *Client) ReceiveCredit(ctx context.Context, token string) error {
	_, err := c.Do(ctx, "POST", "/commerce/v1/benefits/credit_receive", token, RequestOptions{
		JSON:    map[string]any{"time_zone": "Asia/Shanghai"},
		Headers: map[string]string{"Referer": baseURLCN + "/ai-tool/image/generate"},
	})
	if err != nil {
		return fmt.Errorf("receive credit: %w", err)
	}
	return nil
}

// TokenLive probes whether a token still maps to a live account. A service
// error means the token is dead, not that the probe failed; transport-level
// problems are surfaced.
func (c *Client) TokenLive(ctx context.Context, token string) (bool, error) {
	params := url.Values{}
	params.Set("account_sdk_source", "web")

	data, err := c.Do(ctx, "POST", "/passport/account/info/v2", token, RequestOptions{
		Params: params,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return false, nil
		}
		return false, err
	}

	var info struct {
		UserID json.RawMessage `json:"user_id"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return false, nil
	}
	return len(info.UserID) > 0 && string(info.UserID) != "null" && string(info.UserID) != `""` && string(info.UserID) != "0", nil
}
