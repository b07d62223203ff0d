package mlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"registry-sync-service/internal/config"
	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

const searchPageSize = 200

type mlflowClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a source registry adapter over the MLflow REST API.
func NewClient(cfg *config.MLflowConfig) ports.SourceRegistry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &mlflowClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// MLflow REST API response structures
type searchVersionsResponse struct {
	ModelVersions []modelVersion `json:"model_versions"`
	NextPageToken string         `json:"next_page_token"`
}

type modelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	CurrentStage string `json:"current_stage"`
	RunID        string `json:"run_id"`
	Source       string `json:"source"`
	Tags         []tag  `json:"tags"`
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type listArtifactsResponse struct {
	RootURI       string     `json:"root_uri"`
	Files         []fileInfo `json:"files"`
	NextPageToken string     `json:"next_page_token"`
}

type fileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size"`
}

func (c *mlflowClient) ListVersions(ctx context.Context, modelName string) ([]*domain.SourceModelVersion, error) {
	var versions []*domain.SourceModelVersion

	pageToken := ""
	for {
		q := url.Values{}
		q.Set("filter", fmt.Sprintf("name='%s'", modelName))
		q.Set("max_results", strconv.Itoa(searchPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var page searchVersionsResponse
		if err := c.getJSON(ctx, "/api/2.0/mlflow/model-versions/search", q, &page); err != nil {
			return nil, err
		}

		for _, mv := range page.ModelVersions {
			v, err := toDomain(mv)
			if err != nil {
				return nil, err
			}
			versions = append(versions, v)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return versions, nil
}

// DownloadArtifacts walks the run's artifact tree under the version's root
// path and streams every file into destDir, preserving the relative layout.
func (c *mlflowClient) DownloadArtifacts(ctx context.Context, v *domain.SourceModelVersion, destDir string) error {
	root := artifactRoot(v)
	return c.downloadTree(ctx, v.RunID, root, root, destDir)
}

func (c *mlflowClient) downloadTree(ctx context.Context, runID, root, dir, destDir string) error {
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("run_id", runID)
		if dir != "" {
			q.Set("path", dir)
		}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var listing listArtifactsResponse
		if err := c.getJSON(ctx, "/api/2.0/mlflow/artifacts/list", q, &listing); err != nil {
			return err
		}

		for _, f := range listing.Files {
			if f.IsDir {
				if err := c.downloadTree(ctx, runID, root, f.Path, destDir); err != nil {
					return err
				}
				continue
			}

			rel := strings.TrimPrefix(strings.TrimPrefix(f.Path, root), "/")
			if err := c.downloadFile(ctx, runID, f.Path, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
				return err
			}
		}

		if listing.NextPageToken == "" {
			return nil
		}
		pageToken = listing.NextPageToken
	}
}

func (c *mlflowClient) downloadFile(ctx context.Context, runID, artifactPath, dest string) error {
	q := url.Values{}
	q.Set("run_id", runID)
	q.Set("path", artifactPath)

	resp, err := c.do(ctx, "/get-artifact", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", domain.ErrResolution, filepath.Dir(dest), err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", domain.ErrResolution, dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: download %s: %v", domain.ErrResolution, artifactPath, err)
	}
	return nil
}

func (c *mlflowClient) getJSON(ctx context.Context, path string, q url.Values, into interface{}) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrResolution, path, err)
	}
	return nil
}

func (c *mlflowClient) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrResolution, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrResolution, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()

		err := fmt.Errorf("%w: %s: status %d: %s", domain.ErrResolution, path, resp.StatusCode, strings.TrimSpace(string(body)))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil, domain.MarkFatal(err)
		}
		return nil, err
	}

	return resp, nil
}

func toDomain(mv modelVersion) (*domain.SourceModelVersion, error) {
	num, err := strconv.Atoi(mv.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q of %s is not numeric", domain.ErrResolution, mv.Version, mv.Name)
	}

	tags := make(map[string]string, len(mv.Tags))
	for _, t := range mv.Tags {
		tags[t.Key] = t.Value
	}

	return &domain.SourceModelVersion{
		ModelName:   mv.Name,
		Version:     num,
		RunID:       mv.RunID,
		Stage:       normalizeStage(mv.CurrentStage),
		ArtifactURI: mv.Source,
		Tags:        tags,
	}, nil
}

func normalizeStage(raw string) domain.Stage {
	switch strings.ToLower(raw) {
	case "staging":
		return domain.StageStaging
	case "production":
		return domain.StageProduction
	case "archived":
		return domain.StageArchived
	default:
		return domain.StageNone
	}
}

// artifactRoot derives the run-relative artifact path of the model bundle
// from the version's source URI. MLflow registers versions with sources of
// the form "runs:/<run_id>/<path>" or "<scheme>://.../artifacts/<path>".
func artifactRoot(v *domain.SourceModelVersion) string {
	src := v.ArtifactURI
	if strings.HasPrefix(src, "runs:/") {
		trimmed := strings.TrimPrefix(src, "runs:/")
		if _, p, ok := strings.Cut(trimmed, "/"); ok {
			return p
		}
		return ""
	}
	if _, p, ok := strings.Cut(src, "/artifacts/"); ok {
		return p
	}
	return "model"
}
