package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Supported sanitizer kinds. Address-sanitized sandboxes detect crashes;
// coverage-instrumented sandboxes measure coverage.
const (
	SanitizerAddress  = "address"
	SanitizerCoverage = "coverage"
)

// Fixed in-container paths of the OSS-Fuzz build toolchain.
const (
	buildScriptPath       = "/src/build.sh"
	buildScriptBackupPath = "/src/build.bk.sh"
	compileScriptPath     = "/usr/local/bin/compile"
	mkdirShimPath         = "/etc/profile.d/mkdir.sh"
)

// compileSummary replaces the literal compile invocation in results
// handed to downstream consumers. An LLM agent inspecting the result
// must not reuse the raw command or chase errors it cannot fix, such as
// leftover build directories.
const compileSummary = "# Compiles the fuzz target."

// fuzzWaitSlack is how long past the fuzzing driver's own time budget
// the wait is allowed to run before the run counts as a soft timeout.
const fuzzWaitSlack = 5 * time.Second

// testcaseTimeoutSec is the per-testcase timeout handed to the engine.
const testcaseTimeoutSec = 30

// mkdirShim makes directory creation idempotent inside a cold image: a
// warm image reuses prior build artifacts, so the build script's mkdir
// calls must tolerate directories that already exist.
const mkdirShim = `mkdir() { command mkdir -p "$@"; }
export -f mkdir
`

// Settings carry the host-environment parameters shared by every
// sandbox in a pool.
type Settings struct {
	// RuntimeBin is the container runtime binary, "docker" or "podman".
	RuntimeBin string
	// OSSFuzzDir is the host path of the OSS-Fuzz checkout.
	OSSFuzzDir string
	// Engine is the fuzzing engine baked into the container environment.
	Engine string
	// Platform is the container platform, e.g. "linux/amd64".
	Platform string
	// UseBuildCache allows image preparation to serve a cached,
	// fully-built image instead of rebuilding.
	UseBuildCache bool
	// Cores caps the CPU shares of one sandbox.
	Cores int
}

// Sandbox is one long-lived container running a project's OSS-Fuzz
// image. It is created once at pool initialization and reused across
// many compile/fuzz/coverage cycles; none of those operations is fatal
// to its usability. A Sandbox is not safe for concurrent use: the
// pool's checkout discipline guarantees a single user at a time.
type Sandbox struct {
	logger *zap.Logger
	runner CommandRunner
	fs     FileSystem

	bench     Benchmark
	sanitizer string
	settings  Settings

	image         string
	warmFromCache bool
	generatedName string
	projectPath   string
	outDir        string
	workDir       string
	ccacheDir     string
	containerID   string
	projectDir    string

	cov runtimeTracker
}

// Option configures a Sandbox during construction.
type Option func(*Sandbox)

// WithCommandRunner sets the CommandRunner used for all subprocess work.
func WithCommandRunner(runner CommandRunner) Option {
	return func(s *Sandbox) {
		s.runner = runner
	}
}

// WithFileSystem sets the FileSystem used for host-side directory work.
func WithFileSystem(fs FileSystem) Option {
	return func(s *Sandbox) {
		s.fs = fs
	}
}

// New provisions one sandbox: resolves a ready-to-run image for the
// project and sanitizer, creates the host-side mount directories, starts
// the container and prepares its build toolchain. Any failure here is
// fatal to construction; the pool propagates it instead of retrying.
func New(ctx context.Context, logger *zap.Logger, preparer ImagePreparer, bench Benchmark, sanitizer string, settings Settings, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		logger:    logger,
		bench:     bench,
		sanitizer: sanitizer,
		settings:  settings,
		cov:       newRuntimeTracker(),
	}
	s.runner = NewExecRunner(logger)
	s.fs = RealFileSystem{}
	for _, opt := range opts {
		opt(s)
	}

	if sanitizer != SanitizerAddress && sanitizer != SanitizerCoverage {
		return nil, fmt.Errorf("invalid sanitizer %q, must be %q or %q",
			sanitizer, SanitizerAddress, SanitizerCoverage)
	}

	image, err := preparer.Prepare(ctx, bench.Project, sanitizer, settings.UseBuildCache)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image for %s: %w", bench.Project, err)
	}
	s.image = image
	s.warmFromCache = IsCachedImage(image)
	if s.warmFromCache {
		logger.Info("resolved warm project image", zap.String("image", image))
	}
	s.generatedName = GeneratedName(image)
	s.projectPath = ProjectPath(settings.OSSFuzzDir, s.generatedName)

	s.outDir = BuildArtifactDir(settings.OSSFuzzDir, s.generatedName, "out")
	s.workDir = BuildArtifactDir(settings.OSSFuzzDir, s.generatedName, "work")
	s.ccacheDir = CcacheDir(settings.OSSFuzzDir, s.generatedName)
	for _, dir := range []string{s.outDir, s.workDir, s.ccacheDir} {
		if mkErr := s.fs.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create mount directory %s: %w", dir, mkErr)
		}
	}

	if err := s.startContainer(ctx); err != nil {
		return nil, err
	}

	s.backupBuildScript(ctx)
	s.projectDir = s.queryProjectDir(ctx)

	if !s.warmFromCache {
		s.installMkdirShim(ctx)
	}
	s.patchCompileScript(ctx)

	logger.Info("sandbox ready",
		zap.String("image", s.image),
		zap.String("container", s.containerID),
		zap.String("sanitizer", s.sanitizer),
		zap.Bool("warm", s.warmFromCache),
		zap.String("project_path", s.projectPath))
	return s, nil
}

// startContainer runs the project image as a detached background
// container with the host mount directories bound and resource limits
// applied, and records the container ID.
func (s *Sandbox) startContainer(ctx context.Context) error {
	argv := []string{
		s.settings.RuntimeBin, "run", "-d",
		"--privileged",
		"--shm-size=2g",
		"--platform", s.settings.Platform,
		fmt.Sprintf("--cpus=%d", s.settings.Cores),
		"-t",
		"-e", "FUZZING_ENGINE=" + s.settings.Engine,
		"-e", "ARCHITECTURE=x86_64",
		"-e", "PROJECT_NAME=" + s.generatedName,
		"-e", "FUZZING_LANGUAGE=" + s.bench.Language,
		"-e", "CCACHE_DIR=/workspace/ccache",
		"-v", s.outDir + ":/out",
		"-v", s.workDir + ":/work",
		"-v", s.ccacheDir + ":/workspace/ccache",
		"--entrypoint=/bin/bash",
		s.image,
	}
	res := s.runner.Run(ctx, argv, RunOpts{})
	if !res.Success() {
		return fmt.Errorf("failed to start container for image %s: exit code %d: %s",
			s.image, res.ExitCode, res.Stderr)
	}
	s.containerID = strings.TrimSpace(res.Stdout)
	if s.containerID == "" {
		return fmt.Errorf("container runtime returned no container ID for image %s", s.image)
	}
	return nil
}

// backupBuildScript copies the human-authored build script to a sibling
// path so it stays recoverable after the pipeline rewrites it.
func (s *Sandbox) backupBuildScript(ctx context.Context) {
	res := s.Execute(ctx, fmt.Sprintf("cp %s %s", buildScriptPath, buildScriptBackupPath), "")
	if res.ExitCode != 0 {
		s.logger.Error("failed to back up build script",
			zap.String("path", buildScriptPath),
			zap.String("image", s.image),
			zap.String("stderr", res.Stderr))
	}
}

// queryProjectDir asks the running container for its working directory.
func (s *Sandbox) queryProjectDir(ctx context.Context) string {
	res := s.Execute(ctx, "pwd", "")
	if res.ExitCode != 0 {
		s.logger.Error("failed to determine project WORKDIR",
			zap.String("image", s.image),
			zap.String("stderr", res.Stderr))
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// installMkdirShim writes the profile shim that makes mkdir idempotent.
func (s *Sandbox) installMkdirShim(ctx context.Context) {
	res := s.WriteFile(ctx, mkdirShimPath, mkdirShim)
	if res.ExitCode != 0 {
		s.logger.Error("failed to install mkdir shim",
			zap.String("container", s.containerID),
			zap.String("stderr", res.Stderr))
	}
}

// patchCompileScript rewrites the toolchain's artifact-copy command so
// recompilation stops re-copying the immutable source tree. A compile
// script without the expected command is flagged and left untouched:
// silent acceptance would mask an upstream toolchain change.
func (s *Sandbox) patchCompileScript(ctx context.Context) {
	res := s.Execute(ctx, "cat "+compileScriptPath, "")
	if res.ExitCode != 0 {
		s.logger.Error("failed to read compile script",
			zap.String("container", s.containerID),
			zap.String("stderr", res.Stderr))
		return
	}

	patched, changed := RemoveSourceCopy(res.Stdout)
	if !changed {
		s.logger.Warn("compile script does not contain the expected artifact-copy command",
			zap.String("container", s.containerID),
			zap.String("path", compileScriptPath))
		return
	}

	if wres := s.WriteFile(ctx, compileScriptPath, patched); wres.ExitCode != 0 {
		s.logger.Error("failed to write patched compile script",
			zap.String("container", s.containerID),
			zap.String("stderr", wres.Stderr))
	}
}

// Execute runs command inside the container through `bash -c`. When
// logPath is non-empty the raw stderr stream goes to that file and the
// result's Summary points at it instead of carrying buffered output;
// long fuzzing logs would otherwise bloat in-memory buffers. Execute
// never fails with an error: a command that cannot start comes back as
// a Result with exit code 1.
func (s *Sandbox) Execute(ctx context.Context, command, logPath string) Result {
	s.logger.Debug("executing command in container",
		zap.String("cmd", command),
		zap.String("container", s.containerID))

	argv := []string{s.settings.RuntimeBin, "exec", s.containerID, "/bin/bash", "-c", command}
	res := s.runner.Run(ctx, argv, RunOpts{StderrFile: logPath})
	res.Cmd = command
	if logPath != "" {
		res.Summary = "Logged in " + logPath
	} else {
		res.Summary = command
	}
	return res
}

// Compile builds the fuzz target with this sandbox's sanitizer. The
// returned result carries a fixed placeholder summary in place of the
// literal compile invocation. Compile measures wall-clock duration but
// enforces no timeout of its own.
func (s *Sandbox) Compile(ctx context.Context, extraArgs, logPath string) Result {
	command := "compile"
	if extraArgs != "" {
		command += " " + extraArgs
	}
	command = fmt.Sprintf("SANITIZER=%s %s", s.sanitizer, command)
	if !s.warmFromCache {
		command = "source " + mkdirShimPath + "; " + command
	}

	begin := time.Now()
	res := s.Execute(ctx, command, logPath)
	s.logger.Debug("compiled fuzz target",
		zap.String("container", s.containerID),
		zap.String("sanitizer", s.sanitizer),
		zap.Duration("elapsed", time.Since(begin)))

	res.Summary = compileSummary
	return res
}

// Fuzz runs the fuzzing driver against this sandbox's target for
// runTimeout, writing combined driver output to logPath. The wait is
// bounded at runTimeout plus a fixed safety margin; when that deadline
// expires the run is a soft timeout: logged, never escalated, and the
// log file keeps whatever partial output exists for downstream parsing.
// A non-zero driver exit is likewise logged and returned, not raised.
func (s *Sandbox) Fuzz(ctx context.Context, runTimeout time.Duration, logPath, corpusDir string) Result {
	argv := []string{
		"python3", "infra/helper.py", "run_fuzzer",
		"-e", "ASAN_OPTIONS=detect_leaks=0",
		"--corpus-dir", corpusDir,
		s.generatedName,
		s.bench.TargetName,
		"--",
	}
	argv = append(argv, engineArgs(runTimeout)...)

	res := s.runner.Run(ctx, argv, RunOpts{
		Dir:        s.settings.OSSFuzzDir,
		OutputFile: logPath,
		Timeout:    runTimeout + fuzzWaitSlack,
	})
	switch {
	case res.TimedOut:
		s.logger.Info("fuzzing timed out",
			zap.String("project_path", s.projectPath),
			zap.Duration("run_timeout", runTimeout))
		// Keep going; the log is parsed downstream even on timeout.
	case res.ExitCode != 0:
		s.logger.Debug("fuzzing trial terminated with non-zero exit code",
			zap.String("container", s.containerID),
			zap.Int("exit_code", res.ExitCode))
	default:
		s.logger.Debug("fuzzing trial was successful",
			zap.String("container", s.containerID))
	}
	return res
}

// engineArgs are the fixed libFuzzer arguments for one fuzzing run.
// len_control is disabled because short runs would otherwise only ever
// consider short inputs, which lowers coverage for quick trials.
func engineArgs(runTimeout time.Duration) []string {
	return []string{
		"-print_final_stats=1",
		fmt.Sprintf("-max_total_time=%d", int(runTimeout.Seconds())),
		"-len_control=0",
		fmt.Sprintf("-timeout=%d", testcaseTimeoutSec),
		"-detect_leaks=0",
	}
}

// GetCoverage collects coverage for the corpus with an adaptive budget:
// the running average of past successful runs plus slack, or a fixed
// default before the first sample. Only a successful run updates the
// average; a timed-out or failed run must not pollute the estimate. An
// empty corpus is a warning, not an error, and the run still proceeds.
func (s *Sandbox) GetCoverage(ctx context.Context, corpusDir, harnessName string) Result {
	entries, err := s.fs.ReadDir(corpusDir)
	if err != nil {
		s.logger.Warn("failed to inspect corpus directory",
			zap.String("corpus_dir", corpusDir),
			zap.Error(err))
	} else if len(entries) == 0 {
		s.logger.Warn("corpus directory has no seeds in it",
			zap.String("corpus_dir", corpusDir))
	} else {
		s.logger.Debug("corpus size",
			zap.String("corpus_dir", corpusDir),
			zap.Int("seeds", len(entries)))
	}

	argv := []string{
		"python3", "infra/helper.py", "coverage",
		"--corpus-dir", corpusDir,
		"--fuzz-target", s.bench.TargetName,
		"--port", "",
		"--no-serve",
		s.generatedName,
	}

	budget := s.cov.timeout()
	begin := time.Now()
	res := s.runner.Run(ctx, argv, RunOpts{
		Dir:     s.settings.OSSFuzzDir,
		Timeout: budget,
	})
	switch {
	case res.TimedOut:
		s.logger.Info("coverage collection timed out",
			zap.Duration("budget", budget),
			zap.String("harness", harnessName))
	case res.ExitCode != 0:
		s.logger.Info("failed to generate coverage",
			zap.String("project", s.generatedName),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr))
	default:
		s.cov.observe(time.Since(begin))
		s.logger.Debug("coverage collected",
			zap.String("project", s.generatedName),
			zap.Duration("elapsed", time.Since(begin)))
	}
	return res
}

// RewriteDriver replaces the fuzz driver's content in the container.
func (s *Sandbox) RewriteDriver(ctx context.Context, content string) Result {
	return s.WriteFile(ctx, s.bench.TargetPath, content)
}

// RewriteBuildScript replaces the build script's content in the
// container. The human-authored original stays at its backup path.
func (s *Sandbox) RewriteBuildScript(ctx context.Context, content string) Result {
	return s.WriteFile(ctx, buildScriptPath, content)
}

// WriteFile replaces path's full content inside the container. The
// content travels as a tar stream over the exec stdin, so any byte
// sequence transfers verbatim; there is no delimiter to collide with.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) Result {
	summary := "write " + path
	payload, err := TarSingleFile(path, content)
	if err != nil {
		s.logger.Error("failed to pack file payload",
			zap.String("path", path),
			zap.Error(err))
		return Result{Cmd: summary, Summary: summary, ExitCode: 1}
	}

	argv := []string{s.settings.RuntimeBin, "exec", "-i", s.containerID, "tar", "-x", "-C", "/"}
	res := s.runner.Run(ctx, argv, RunOpts{Stdin: bytes.NewReader(payload)})
	res.Cmd = summary
	res.Summary = summary
	if res.ExitCode != 0 {
		s.logger.Error("failed to write file in container",
			zap.String("path", path),
			zap.String("container", s.containerID),
			zap.String("stderr", res.Stderr))
	}
	return res
}

// Terminate stops and removes the backing container. The host mount
// directories are left in place: build artifacts under them outlive the
// sandbox on purpose.
func (s *Sandbox) Terminate(ctx context.Context) error {
	if s.containerID == "" {
		return nil
	}
	stop := s.runner.Run(ctx, []string{s.settings.RuntimeBin, "stop", s.containerID}, RunOpts{})
	if !stop.Success() {
		return fmt.Errorf("failed to stop container %s: exit code %d: %s",
			s.containerID, stop.ExitCode, stop.Stderr)
	}
	rm := s.runner.Run(ctx, []string{s.settings.RuntimeBin, "rm", "-f", s.containerID}, RunOpts{})
	if !rm.Success() {
		return fmt.Errorf("failed to remove container %s: exit code %d: %s",
			s.containerID, rm.ExitCode, rm.Stderr)
	}
	s.containerID = ""
	return nil
}

// Sanitizer returns the sandbox's sanitizer kind.
func (s *Sandbox) Sanitizer() string {
	return s.sanitizer
}

// ContainerID returns the backing container's ID.
func (s *Sandbox) ContainerID() string {
	return s.containerID
}

// ImageRef returns the resolved image reference.
func (s *Sandbox) ImageRef() string {
	return s.image
}

// WarmFromCache reports whether the image came fully built from the
// build cache.
func (s *Sandbox) WarmFromCache() bool {
	return s.warmFromCache
}

// GeneratedProject returns the generated project name, the image
// reference basename with any cache tag stripped.
func (s *Sandbox) GeneratedProject() string {
	return s.generatedName
}

// ProjectDir returns the project's working directory inside the
// container, or "" when it could not be determined.
func (s *Sandbox) ProjectDir() string {
	return s.projectDir
}

// AverageCoverageRuntime returns the running mean of successful
// coverage run durations in seconds, or -1 before the first sample.
func (s *Sandbox) AverageCoverageRuntime() float64 {
	return s.cov.average()
}

// CoverageRuns returns how many successful coverage runs have been
// recorded.
func (s *Sandbox) CoverageRuns() int {
	return s.cov.samples()
}
