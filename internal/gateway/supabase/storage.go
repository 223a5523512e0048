package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

func objectPath(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(parts, "/")
}

// PublicURL returns the public URL of an object.
func (c *Client) PublicURL(bucket, key string) string {
	u := *c.base
	u.Path = c.base.Path + "/storage/v1/object/public/" + bucket + "/" + key
	return u.String()
}

// Upload implements gateway.Blobs. Existing objects are not overwritten.
func (c *Client) Upload(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	if strings.Contains(key, "..") {
		return "", gateway.ErrPermission
	}
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/storage/v1/object/" + objectPath(bucket, key),
		body:   bytes.NewReader(data),
		headers: http.Header{
			"Content-Type":  {contentType},
			"Cache-Control": {"max-age=3600"},
			"X-Upsert":      {"false"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return c.PublicURL(bucket, key), nil
}

// CurrentUser implements gateway.Identity from the session access token.
func (c *Client) CurrentUser(ctx context.Context) (model.Identity, error) {
	if c.accessToken() == "" {
		return model.Identity{}, gateway.ErrUnauthenticated
	}
	body, err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user"})
	if err != nil {
		return model.Identity{}, fmt.Errorf("current user: %w", err)
	}
	var id model.Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return model.Identity{}, fmt.Errorf("current user: decode: %w", err)
	}
	if id.ID == "" {
		return model.Identity{}, gateway.ErrUnauthenticated
	}
	return id, nil
}
