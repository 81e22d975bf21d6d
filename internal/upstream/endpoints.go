package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// --- video security ---

type secureURLResponse struct {
	VideoURL string `json:"video_url"`
}

// SecureVideoURL resolves the signed playback URL for a gated material.
// 429 responses are retried with exponential backoff; every other failure
// surfaces immediately.
func (c *Client) SecureVideoURL(ctx context.Context, materialID string) (string, error) {
	path := fmt.Sprintf("/video-security/api/secure-url/%s/", materialID)
	out, err := retry(ctx, c.Config.MaxRetries, ExponentialBackoff(c.Config.RetryBaseDelay),
		func(err error) bool { return errors.Is(err, ErrRateLimited) },
		func(ctx context.Context) (*secureURLResponse, error) {
			return doWithBreaker[secureURLResponse](ctx, c, http.MethodGet, path, nil)
		})
	if err != nil {
		return "", err
	}
	return out.VideoURL, nil
}

// SecurityEvent is the payload for the platform's security/analytics log.
type SecurityEvent struct {
	MaterialID string         `json:"material_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// LogSecurityEvent is fire-and-forget: rate limited, never returns an error,
// failures are logged at debug only. Passive telemetry must not surface.
func (c *Client) LogSecurityEvent(ctx context.Context, ev SecurityEvent) {
	if !c.securityLimiter.Allow() {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if _, err := doWithBreaker[struct{}](ctx, c, http.MethodPost, "/video-security/log-security-event/", ev); err != nil {
		c.Log.Debug("security event dropped", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// --- progress ---

type progressRequest struct {
	MaterialID string `json:"material_id"`
	TimeSpent  int    `json:"time_spent"`
	IsFinal    bool   `json:"is_final"`
}

// SendMaterialProgress reports accumulated watch time for a material.
func (c *Client) SendMaterialProgress(ctx context.Context, materialID string, timeSpentSeconds int, isFinal bool) error {
	_, err := doWithBreaker[struct{}](ctx, c, http.MethodPost, "/api/content/material/progress/", progressRequest{
		MaterialID: materialID,
		TimeSpent:  timeSpentSeconds,
		IsFinal:    isFinal,
	})
	return err
}

// --- AI assistant ---

type aiAskRequest struct {
	Query string `json:"query"`
}

type AIResponse struct {
	Success      bool     `json:"success"`
	Response     string   `json:"response"`
	QueryID      string   `json:"query_id"`
	ResponseTime float64  `json:"response_time"`
	Sources      []string `json:"sources,omitempty"`
}

func (c *Client) AskAI(ctx context.Context, query string) (*AIResponse, error) {
	return doWithBreaker[AIResponse](ctx, c, http.MethodPost, "/ai/ask/", aiAskRequest{Query: query})
}

type aiRateRequest struct {
	Rating int `json:"rating"`
}

type AIRateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (c *Client) RateAI(ctx context.Context, queryID string, rating int) (*AIRateResponse, error) {
	path := fmt.Sprintf("/ai/rate/%s/", queryID)
	return doWithBreaker[AIRateResponse](ctx, c, http.MethodPost, path, aiRateRequest{Rating: rating})
}

// --- cart ---

// CartSummary is the totals block every cart mutation returns.
type CartSummary struct {
	CartCount int     `json:"cart_count"`
	Subtotal  float64 `json:"subtotal"`
	Discount  float64 `json:"discount"`
	Total     float64 `json:"total"`
}

type cartItemRequest struct {
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
}

func (c *Client) CartAdd(ctx context.Context, itemID, itemType string) (*CartSummary, error) {
	return doWithBreaker[CartSummary](ctx, c, http.MethodPost, "/api/v1/cart/add/", cartItemRequest{ItemID: itemID, ItemType: itemType})
}

func (c *Client) CartUpdate(ctx context.Context, itemID string, quantity int) (*CartSummary, error) {
	return doWithBreaker[CartSummary](ctx, c, http.MethodPost, "/api/v1/cart/update/", cartItemRequest{ItemID: itemID, Quantity: quantity})
}

func (c *Client) CartRemove(ctx context.Context, itemID string) (*CartSummary, error) {
	return doWithBreaker[CartSummary](ctx, c, http.MethodPost, "/api/v1/cart/remove/", cartItemRequest{ItemID: itemID})
}

type couponRequest struct {
	Code string `json:"code"`
}

func (c *Client) ApplyCoupon(ctx context.Context, code string) (*CartSummary, error) {
	return doWithBreaker[CartSummary](ctx, c, http.MethodPost, "/api/v1/cart/apply-coupon/", couponRequest{Code: code})
}

// --- account / access state ---

type toggleFavoriteRequest struct {
	MaterialID string `json:"material_id"`
}

// FavoriteState is the server-confirmed favorite flag.
type FavoriteState struct {
	MaterialID string `json:"material_id"`
	IsFavorite bool   `json:"is_favorite"`
}

func (c *Client) ToggleFavorite(ctx context.Context, materialID string) (*FavoriteState, error) {
	return doWithBreaker[FavoriteState](ctx, c, http.MethodPost, "/account/api/toggle-favorite/", toggleFavoriteRequest{MaterialID: materialID})
}

type materialProgressRequest struct {
	MaterialID string `json:"material_id"`
	Completed  bool   `json:"completed"`
}

// MaterialProgress is the server-confirmed completion state.
type MaterialProgress struct {
	MaterialID            string  `json:"material_id"`
	IsCompleted           bool    `json:"is_completed"`
	CourseProgressPercent float64 `json:"course_progress_percent"`
}

func (c *Client) SetMaterialCompleted(ctx context.Context, materialID string, completed bool) (*MaterialProgress, error) {
	return doWithBreaker[MaterialProgress](ctx, c, http.MethodPost, "/account/api/material-progress/", materialProgressRequest{
		MaterialID: materialID,
		Completed:  completed,
	})
}
