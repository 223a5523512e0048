package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/zrchat/zrchat-client/internal/model"
)

// Composite assembles a Gateway from independent capability providers.
type Composite struct {
	Tables
	ChangeFeed
	Blobs
	Identity
	PresenceChannel

	closers []func() error
}

// Compose builds a gateway from its parts.
func Compose(tables Tables, feed ChangeFeed, blobs Blobs, identity Identity, presence PresenceChannel) *Composite {
	return &Composite{
		Tables:          tables,
		ChangeFeed:      feed,
		Blobs:           blobs,
		Identity:        identity,
		PresenceChannel: presence,
	}
}

// OnClose registers fn to run when the gateway is closed.
func (c *Composite) OnClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases every registered resource in reverse order.
func (c *Composite) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Ping checks the table store when it supports it.
func (c *Composite) Ping(ctx context.Context) error {
	if p, ok := c.Tables.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// StaticIdentity is an Identity fixed at construction time.
type StaticIdentity model.Identity

// CurrentUser implements Identity.
func (s StaticIdentity) CurrentUser(context.Context) (model.Identity, error) {
	if s.ID == "" {
		return model.Identity{}, ErrUnauthenticated
	}
	return model.Identity(s), nil
}

// DirBlobs stores uploads under a local directory served at baseURL.
type DirBlobs struct {
	Dir     string
	BaseURL string
}

// Upload implements Blobs.
func (d DirBlobs) Upload(_ context.Context, bucket, key, _ string, data []byte) (string, error) {
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrPermission
	}
	path := filepath.Join(d.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return strings.TrimRight(d.BaseURL, "/") + "/" + bucket + "/" + key, nil
}
