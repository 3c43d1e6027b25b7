// Package registry implements the client for the remote run registry: the
// service holding every past run's configuration and model artifacts,
// addressed by run identifier.
//
// Only the two lookups the resume resolver needs are implemented, behind the
// narrow resume.Client interface: fetching a run's historical configuration
// overrides, and downloading its latest model artifact. Storage and indexing
// internals of the registry are out of scope.
//
// The HTTP client applies a bounded timeout and never retries: if resolution
// matters enough to retry, that is the caller's (or the scheduler's) call.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoresume/resume"
)

// ErrNotFound is returned when the registry does not know the run, or the run
// has no artifact of the requested type and alias.
var ErrNotFound = errors.New("not found in run registry")

// DefaultTimeout bounds every registry round trip, download included.
const DefaultTimeout = 2 * time.Minute

// HTTP is a run-registry client over a wandb-style HTTP API. It implements
// resume.Client. Create it with NewHTTP and the With* options.
type HTTP struct {
	baseURL   string
	project   string
	authToken string

	client       *http.Client
	downloadDir  string
	showProgress bool
}

var _ resume.Client = (*HTTP)(nil)

// NewHTTP creates a registry client for the given API base URL and project.
// The auth token, if not empty, is passed in the "Authorization" header
// prefixed with "Bearer ".
func NewHTTP(baseURL, project, authToken string) *HTTP {
	return &HTTP{
		baseURL:     strings.TrimRight(baseURL, "/"),
		project:     project,
		authToken:   authToken,
		client:      &http.Client{Timeout: DefaultTimeout},
		downloadDir: filepath.Join(os.TempDir(), "autoresume", "artifacts"),
	}
}

// WithTimeout bounds each registry round trip. The default is DefaultTimeout.
func (c *HTTP) WithTimeout(d time.Duration) *HTTP {
	c.client.Timeout = d
	return c
}

// WithDownloadDir sets where artifact files are downloaded to. The default is
// a subdirectory of os.TempDir().
func (c *HTTP) WithDownloadDir(dir string) *HTTP {
	c.downloadDir = dir
	return c
}

// WithProgress enables a progress bar on artifact downloads.
func (c *HTTP) WithProgress(enabled bool) *HTTP {
	c.showProgress = enabled
	return c
}

// runMetadata is the registry's run-metadata document. Args holds the
// original launch arguments, in order.
type runMetadata struct {
	Args []string `json:"args"`
}

// artifactList is the registry's response to an artifact query.
type artifactList struct {
	Artifacts []artifact `json:"artifacts"`
}

type artifact struct {
	Name  string         `json:"name"`
	Files []artifactFile `json:"files"`
}

type artifactFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// RunConfig implements resume.Client: it returns the run's historical
// configuration overrides in their original launch order. Launch arguments
// that are not key=value pairs are skipped.
func (c *HTTP) RunConfig(runID string) ([]resume.Override, error) {
	var meta runMetadata
	path := fmt.Sprintf("runs/%s/%s/metadata", url.PathEscape(c.project), url.PathEscape(runID))
	if err := c.getJSON(path, runID, &meta); err != nil {
		return nil, err
	}
	overrides := make([]resume.Override, 0, len(meta.Args))
	for _, arg := range meta.Args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			continue
		}
		overrides = append(overrides, resume.Override{Key: key, Value: value})
	}
	klog.V(1).Infof("run %q: recovered %d overrides", runID, len(overrides))
	return overrides, nil
}

// DownloadLatestArtifact implements resume.Client: it downloads the files of
// the run's newest artifact of the given type carrying the given alias, and
// returns the local directory holding them.
func (c *HTTP) DownloadLatestArtifact(runID, artifactType, alias string) (string, error) {
	var list artifactList
	path := fmt.Sprintf("runs/%s/%s/artifacts?type=%s&alias=%s",
		url.PathEscape(c.project), url.PathEscape(runID),
		url.QueryEscape(artifactType), url.QueryEscape(alias))
	if err := c.getJSON(path, runID, &list); err != nil {
		return "", err
	}
	if len(list.Artifacts) == 0 {
		return "", errors.Wrapf(ErrNotFound,
			"run %q has no artifact of type %q with alias %q", runID, artifactType, alias)
	}
	target := list.Artifacts[len(list.Artifacts)-1]

	dir := filepath.Join(c.downloadDir, runID)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", errors.Wrapf(err, "failed to create download directory %q", dir)
	}
	for _, file := range target.Files {
		if err := c.downloadFile(file, filepath.Join(dir, file.Name)); err != nil {
			return "", errors.WithMessagef(err, "downloading artifact %q of run %q", target.Name, runID)
		}
	}
	klog.Infof("Downloaded artifact %q (%d files) to %q", target.Name, len(target.Files), dir)
	return dir, nil
}

// getJSON performs one GET round trip and decodes the JSON response.
// A 404 maps to ErrNotFound; anything else non-200 or a transport failure is
// wrapped with the request context.
func (c *HTTP) getJSON(path, runID string, out any) error {
	reqURL := c.baseURL + "/" + path
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed creating request for %q", reqURL)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "registry request %q failed", reqURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "run %q in project %q", runID, c.project)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("registry request %q returned status %d: %q",
			reqURL, resp.StatusCode, resp.Header.Get("X-Error-Message"))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode registry response from %q", reqURL)
	}
	return nil
}

// downloadFile streams one artifact file to filePath. Relative file URLs are
// resolved against the registry base URL.
func (c *HTTP) downloadFile(file artifactFile, filePath string) error {
	fileURL := file.URL
	if !strings.Contains(fileURL, "://") {
		fileURL = c.baseURL + "/" + strings.TrimLeft(fileURL, "/")
	}
	req, err := http.NewRequest(http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed creating request for %q", fileURL)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("bad status code %d downloading %q", resp.StatusCode, fileURL)
	}

	out, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", filePath)
	}
	var dst io.Writer = out
	if c.showProgress {
		size := file.Size
		if size == 0 {
			size = resp.ContentLength
		}
		bar := progressbar.DefaultBytes(size, file.Name)
		dst = io.MultiWriter(out, bar)
	}
	if _, err = io.Copy(dst, resp.Body); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed writing %q to %q", fileURL, filePath)
	}
	return errors.Wrapf(out.Close(), "failed closing %q", filePath)
}
