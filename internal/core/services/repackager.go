package services

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"registry-sync-service/internal/core/domain"
	ports "registry-sync-service/internal/core/ports/output"
)

const (
	manifestFile    = "MLmodel"
	overlayDir      = "sagemaker"
	pyFuncFlavor    = "python_function"
	inferenceScript = "inference.py"
	requirementsTxt = "requirements.txt"
)

// Bundle subdirectory holding the serialized model, by flavor. Everything
// else defaults to the generic mlflow layout.
var modelDataDirs = map[string]string{
	"tensorflow": "tfmodel",
	"xgboost":    ".",
	"sklearn":    ".",
	pyFuncFlavor: ".",
}

// Archive prefix the serving container expects the model under, by flavor.
var archiveDataDirs = map[string]string{
	"tensorflow": "model/1",
	"keras":      "model/1",
}

// Fallback serving scripts for script-mode flavors, used when the bundle
// ships no sagemaker/ overlay of its own.
//
//go:embed defaults
var defaultOverlays embed.FS

// RepackagedModel is the durable result of repackaging one source version.
type RepackagedModel struct {
	Location    string
	ImageURI    string
	Flavor      string
	Environment map[string]string
}

// RepackagerService transforms a source model bundle into the compressed
// archive layout the target registry's serving containers expect and
// uploads it under a deterministic key, so repeated invocations for the
// same run overwrite rather than duplicate.
type RepackagerService struct {
	source ports.SourceRegistry
	store  ports.ArtifactStore
	images map[string]string
}

func NewRepackagerService(source ports.SourceRegistry, store ports.ArtifactStore, images map[string]string) *RepackagerService {
	if images == nil {
		images = make(map[string]string)
	}
	return &RepackagerService{source: source, store: store, images: images}
}

// Repackage downloads the version's bundle, rebuilds it as model.tar.gz and
// stores it. An archive already present under the key is trusted and reused.
func (s *RepackagerService) Repackage(ctx context.Context, v *domain.SourceModelVersion) (*RepackagedModel, error) {
	start := time.Now()

	tmpDir, err := os.MkdirTemp("", "repackage-"+v.RunID+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", domain.ErrRepackaging, err)
	}
	defer os.RemoveAll(tmpDir)

	if err := s.source.DownloadArtifacts(ctx, v, tmpDir); err != nil {
		return nil, err
	}

	flavor, hasPyFunc, err := readFlavor(filepath.Join(tmpDir, manifestFile))
	if err != nil {
		return nil, err
	}
	if tagged := v.Tags[domain.TagDeployFlavor]; tagged != "" {
		flavor = tagged
	}

	image, err := s.imageFor(v, flavor, hasPyFunc)
	if err != nil {
		return nil, err
	}

	key := domain.ArchiveKey(v.ModelName, v.RunID)
	location := s.store.Location(key)

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		log.WithFields(log.Fields{"model": v.ModelName, "run_id": v.RunID}).
			Info("archive already stored, reusing")
	} else {
		archivePath := filepath.Join(tmpDir, "model.tar.gz")
		if err := buildArchive(archivePath, tmpDir, flavor); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRepackaging, err)
		}

		f, err := os.Open(archivePath)
		if err != nil {
			return nil, fmt.Errorf("%w: open archive: %v", domain.ErrRepackaging, err)
		}
		defer f.Close()

		if location, err = s.store.Put(ctx, key, f); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"model": v.ModelName, "run_id": v.RunID, "location": location}).
			Info("archive uploaded")
	}

	repackageDuration.Observe(time.Since(start).Seconds())

	return &RepackagedModel{
		Location:    location,
		ImageURI:    image,
		Flavor:      flavor,
		Environment: servingEnv(flavor, location),
	}, nil
}

// imageFor selects the serving container image: an explicit model tag wins,
// then the configured flavor map, then the generic python_function image.
func (s *RepackagerService) imageFor(v *domain.SourceModelVersion, flavor string, hasPyFunc bool) (string, error) {
	if image := v.Tags[domain.TagDeployImage]; image != "" {
		return image, nil
	}
	if image, ok := s.images[flavor]; ok {
		return image, nil
	}
	if hasPyFunc {
		if image, ok := s.images[pyFuncFlavor]; ok {
			return image, nil
		}
	}
	return "", fmt.Errorf("%w: no serving image configured for flavor %q", domain.ErrRepackaging, flavor)
}

// servingEnv returns the container environment required by script-mode
// flavors.
func servingEnv(flavor, location string) map[string]string {
	switch flavor {
	case "xgboost", "sklearn":
		return map[string]string{
			"SAGEMAKER_SUBMIT_DIRECTORY": location,
			"SAGEMAKER_PROGRAM":          inferenceScript,
		}
	}
	return nil
}

type mlmodelManifest struct {
	Flavors       map[string]map[string]interface{} `yaml:"flavors"`
	MLflowVersion string                            `yaml:"mlflow_version"`
}

// readFlavor parses the bundle manifest and picks the concrete flavor,
// preferring anything over the generic python_function wrapper.
func readFlavor(manifestPath string) (flavor string, hasPyFunc bool, err error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", false, fmt.Errorf("%w: read manifest: %v", domain.ErrRepackaging, err)
	}

	var manifest mlmodelManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return "", false, fmt.Errorf("%w: parse manifest: %v", domain.ErrRepackaging, err)
	}
	if len(manifest.Flavors) == 0 {
		return "", false, fmt.Errorf("%w: manifest declares no flavors", domain.ErrRepackaging)
	}

	names := make([]string, 0, len(manifest.Flavors))
	for name := range manifest.Flavors {
		names = append(names, name)
	}
	sort.Strings(names)

	_, hasPyFunc = manifest.Flavors[pyFuncFlavor]
	for _, name := range names {
		if name != pyFuncFlavor {
			return name, hasPyFunc, nil
		}
	}
	return names[0], hasPyFunc, nil
}

// buildArchive writes the model.tar.gz for the bundle: the sagemaker/
// overlay (inference script, dependency spec) at the archive root — falling
// back to the embedded per-flavor default when the bundle ships none — then
// the model data under the flavor's expected prefix.
func buildArchive(archivePath, bundleDir, flavor string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range []string{inferenceScript, requirementsTxt} {
		src := filepath.Join(bundleDir, overlayDir, name)
		if _, err := os.Stat(src); err == nil {
			if err := addFile(tw, src, name); err != nil {
				return err
			}
			continue
		}
		data, err := defaultOverlays.ReadFile(path.Join("defaults", flavor, name))
		if err != nil {
			continue
		}
		if err := addBytes(tw, name, data); err != nil {
			return err
		}
	}

	dataDir, ok := modelDataDirs[flavor]
	if !ok {
		dataDir = "data/model"
	}
	dataRoot := filepath.Join(bundleDir, dataDir)
	if _, err := os.Stat(dataRoot); err != nil {
		return fmt.Errorf("model data missing at %s: %w", dataDir, err)
	}

	prefix := archiveDataDirs[flavor]
	err = filepath.WalkDir(dataRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataRoot, p)
		if err != nil {
			return err
		}
		// The overlay dir is already included at the root, and the archive
		// under construction must not swallow itself.
		if d.IsDir() {
			if rel == overlayDir {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "model.tar.gz" {
			return nil
		}
		return addFile(tw, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip: %w", err)
	}
	return nil
}

func addBytes(tw *tar.Writer, arcname string, data []byte) error {
	hdr := &tar.Header{
		Name:    arcname,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", arcname, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", arcname, err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, arcname string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %s: %w", src, err)
	}
	hdr.Name = strings.TrimPrefix(arcname, "/")

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", arcname, err)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s: %w", arcname, err)
	}
	return nil
}
