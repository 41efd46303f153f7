package sandbox

import (
	"context"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// mockCall records one CommandRunner invocation for later inspection.
type mockCall struct {
	argv  []string
	opts  RunOpts
	stdin []byte
}

func (c mockCall) joined() string {
	return strings.Join(c.argv, " ")
}

// mockRunner implements CommandRunner for testing. Results are keyed by
// a substring of the joined argv; unmatched commands get the default
// result (success with empty output unless configured otherwise).
type mockRunner struct {
	mu      sync.Mutex
	results map[string]Result
	def     Result
	calls   []mockCall
}

func newMockRunner() *mockRunner {
	return &mockRunner{results: map[string]Result{}}
}

func (m *mockRunner) on(substr string, res Result) {
	m.results[substr] = res
}

func (m *mockRunner) Run(_ context.Context, argv []string, opts RunOpts) Result {
	var stdin []byte
	if opts.Stdin != nil {
		stdin, _ = io.ReadAll(opts.Stdin)
	}

	m.mu.Lock()
	m.calls = append(m.calls, mockCall{argv: argv, opts: opts, stdin: stdin})
	m.mu.Unlock()

	key := strings.Join(argv, " ")
	for substr, res := range m.results {
		if strings.Contains(key, substr) {
			return res
		}
	}
	return m.def
}

// callsMatching returns all recorded calls whose joined argv contains
// substr.
func (m *mockRunner) callsMatching(substr string) []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []mockCall
	for _, c := range m.calls {
		if strings.Contains(c.joined(), substr) {
			matched = append(matched, c)
		}
	}
	return matched
}

// mockPreparer implements ImagePreparer for testing.
type mockPreparer struct {
	image string
	err   error

	mu    sync.Mutex
	calls []struct {
		project   string
		sanitizer string
		useCache  bool
	}
}

func (m *mockPreparer) Prepare(_ context.Context, project, sanitizer string, useBuildCache bool) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, struct {
		project   string
		sanitizer string
		useCache  bool
	}{project, sanitizer, useBuildCache})
	m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	return m.image, nil
}

// mockFS implements FileSystem for testing.
type mockFS struct {
	mkdirErrs  map[string]error
	created    []string
	dirEntries map[string][]os.DirEntry
	readDirErr error
}

func newMockFS() *mockFS {
	return &mockFS{
		mkdirErrs:  map[string]error{},
		dirEntries: map[string][]os.DirEntry{},
	}
}

func (m *mockFS) MkdirAll(path string, _ os.FileMode) error {
	if err, exists := m.mkdirErrs[path]; exists {
		return err
	}
	m.created = append(m.created, path)
	return nil
}

func (m *mockFS) ReadDir(path string) ([]os.DirEntry, error) {
	if m.readDirErr != nil {
		return nil, m.readDirErr
	}
	return m.dirEntries[path], nil
}

// fakeDirEntry is a minimal os.DirEntry for corpus listings.
type fakeDirEntry struct {
	name string
}

func (f fakeDirEntry) Name() string             { return f.name }
func (fakeDirEntry) IsDir() bool                { return false }
func (fakeDirEntry) Type() fs.FileMode          { return 0 }
func (fakeDirEntry) Info() (fs.FileInfo, error) { return nil, nil }

func seeds(names ...string) []os.DirEntry {
	entries := make([]os.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fakeDirEntry{name: name})
	}
	return entries
}
