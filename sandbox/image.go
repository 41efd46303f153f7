package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Benchmark identifies the project and fuzz target a sandbox is built
// for. Loading benchmark metadata is a caller concern; this package only
// consumes the resolved values.
type Benchmark struct {
	Project    string
	Language   string
	TargetName string
	TargetPath string
}

// ImagePreparer resolves a ready-to-run sandbox image for a project and
// sanitizer. Implementations may return a cache-tagged image reference
// (fully built, warm) or trigger a full rebuild. useBuildCache selects
// whether a cached image may be served at all; it is an explicit
// parameter rather than process-wide state.
type ImagePreparer interface {
	Prepare(ctx context.Context, project, sanitizer string, useBuildCache bool) (string, error)
}

// cacheTagRe matches the suffix an image reference carries when it was
// produced from the build cache rather than built from scratch.
var cacheTagRe = regexp.MustCompile(`-ofg-cached-.*$`)

// IsCachedImage reports whether the image reference carries the cache
// tag, i.e. whether the project inside it is already fully built.
func IsCachedImage(image string) bool {
	return strings.Contains(image, "-ofg-cached")
}

// GeneratedName strips the cache-tag suffix from the image reference's
// basename, recovering the canonical generated project name.
func GeneratedName(image string) string {
	return cacheTagRe.ReplaceAllString(filepath.Base(image), "")
}

// BuildArtifactDir returns the host directory bound to the sandbox for
// the given build artifact kind ("out" or "work").
func BuildArtifactDir(ossFuzzDir, generatedName, artifact string) string {
	return filepath.Join(ossFuzzDir, "build", artifact, generatedName)
}

// ProjectPath returns the generated project's directory inside the
// OSS-Fuzz checkout.
func ProjectPath(ossFuzzDir, generatedName string) string {
	return filepath.Join(ossFuzzDir, "projects", generatedName)
}

// CcacheDir returns the host ccache directory bound to the sandbox.
func CcacheDir(ossFuzzDir, generatedName string) string {
	return filepath.Join(ossFuzzDir, "ccaches", generatedName, "ccache")
}

// HelperImagePreparer prepares project images by shelling out to the
// OSS-Fuzz helper script. When the build cache is enabled it first looks
// for an existing cached image and serves it without rebuilding.
type HelperImagePreparer struct {
	logger     *zap.Logger
	runner     CommandRunner
	runtimeBin string
	ossFuzzDir string
}

// NewHelperImagePreparer creates an ImagePreparer backed by the OSS-Fuzz
// checkout at ossFuzzDir and the given container runtime binary.
func NewHelperImagePreparer(logger *zap.Logger, runner CommandRunner, runtimeBin, ossFuzzDir string) *HelperImagePreparer {
	return &HelperImagePreparer{
		logger:     logger,
		runner:     runner,
		runtimeBin: runtimeBin,
		ossFuzzDir: ossFuzzDir,
	}
}

// Prepare resolves an image for (project, sanitizer). A cached image is
// preferred when useBuildCache is set and one exists locally; otherwise
// the project image is (re)built through infra/helper.py.
func (p *HelperImagePreparer) Prepare(ctx context.Context, project, sanitizer string, useBuildCache bool) (string, error) {
	if useBuildCache {
		cached := fmt.Sprintf("gcr.io/oss-fuzz/%s-ofg-cached-%s", project, sanitizer)
		res := p.runner.Run(ctx, []string{p.runtimeBin, "image", "inspect", cached}, RunOpts{})
		if res.Success() {
			p.logger.Info("serving cached project image",
				zap.String("project", project),
				zap.String("sanitizer", sanitizer),
				zap.String("image", cached))
			return cached, nil
		}
	}

	res := p.runner.Run(ctx, []string{
		"python3", "infra/helper.py", "build_image", "--pull", project,
	}, RunOpts{Dir: p.ossFuzzDir})
	if !res.Success() {
		return "", fmt.Errorf("failed to build image for %s: exit code %d: %s",
			project, res.ExitCode, res.Stderr)
	}

	image := "gcr.io/oss-fuzz/" + project
	p.logger.Info("built project image",
		zap.String("project", project),
		zap.String("sanitizer", sanitizer),
		zap.String("image", image))
	return image, nil
}
