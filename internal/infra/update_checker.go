package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

const (
	updateAPITimeout = 30 * time.Second
	downloadTimeout  = 5 * time.Minute

	// maxUpdateDocument bounds the size of an updateJson response.
	maxUpdateDocument = 1 << 20
)

// UpdateChecker fetches module update documents and downloads release archives.
type UpdateChecker struct {
	// No client timeout; each request carries its own deadline.
	client *http.Client
	logger *zap.Logger
}

// NewUpdateChecker creates a checker on client. A nil client uses a default one.
func NewUpdateChecker(client *http.Client, logger *zap.Logger) *UpdateChecker {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateChecker{client: client, logger: logger}
}

// Check fetches the update document of mod. Modules without an updateJson
// URL fail with domain.ErrNotSupported.
func (c *UpdateChecker) Check(ctx context.Context, mod domain.Module) (*domain.ModuleUpdate, error) {
	if mod.UpdateJSON == "" {
		return nil, fmt.Errorf("%w: module %s has no updateJson", domain.ErrNotSupported, mod.ID)
	}
	if err := httpURL(mod.UpdateJSON); err != nil {
		return nil, fmt.Errorf("invalid updateJson: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, updateAPITimeout)
	defer cancel()

	resp, err := c.get(ctx, mod.UpdateJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch update info: %w", err)
	}
	defer resp.Body.Close()

	var upd domain.ModuleUpdate
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpdateDocument)).Decode(&upd); err != nil {
		return nil, fmt.Errorf("failed to parse update info: %w", err)
	}
	if upd.ZipURL != "" {
		if err := httpURL(upd.ZipURL); err != nil {
			return nil, fmt.Errorf("invalid zipUrl: %w", err)
		}
	}

	c.logger.Debug("update info fetched",
		zap.String("module", mod.ID),
		zap.String("version", upd.Version),
		zap.Int("version_code", upd.VersionCode))
	return &upd, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Download saves the archive of upd into dir and returns its path.
func (c *UpdateChecker) Download(ctx context.Context, mod domain.Module, upd *domain.ModuleUpdate, dir string) (string, error) {
	if upd.ZipURL == "" {
		return "", fmt.Errorf("update for %s has no zipUrl", mod.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	resp, err := c.get(ctx, upd.ZipURL)
	if err != nil {
		return "", fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "rootmm-download-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}

	name := unsafeFilename.ReplaceAllString(fmt.Sprintf("%s_%s_%d.zip", mod.ID, upd.Version, upd.VersionCode), "_")
	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to move download: %w", err)
	}

	c.logger.Info("update downloaded", zap.String("module", mod.ID), zap.String("path", dest))
	return dest, nil
}

func (c *UpdateChecker) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "rootmm")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

func httpURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
