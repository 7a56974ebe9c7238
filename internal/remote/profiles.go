package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hitoshi/satez/internal/model"
)

// GetProfile はプロフィールを取得する。未作成の場合はPROFILE_NOT_FOUNDを返す。
func (c *Client) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	if _, err := c.doAuth(ctx, http.MethodGet, profilePath(userID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile はパッチを送り、マージ後のプロフィールを返す。
func (c *Client) UpsertProfile(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	var p model.Profile
	if _, err := c.doAuth(ctx, http.MethodPatch, profilePath(userID), patch, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func profilePath(userID string) string {
	return "/api/profiles/" + url.PathEscape(userID)
}
