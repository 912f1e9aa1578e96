package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/apitest"
	"github.com/cuongbtq/sc-remote/internal/cli"
	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/credentials"
	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	credentialsPath = "/home/alice/.sc/credentials"
	manifestJSON    = `{"design":"heartbeat","target":"skywater130_demo","tool_chain":{"flow":"asicflow"},"time_limit_minutes":30}`
)

func init() {
	color.NoColor = true
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

type harness struct {
	fs  afero.Fs
	in  *strings.Reader
	out *syncBuffer
	err *syncBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{fs: afero.NewMemMapFs(), in: strings.NewReader(""), out: &syncBuffer{}, err: &syncBuffer{}}
}

// login writes credentials for the test account
func (h *harness) login(t *testing.T, address, secret string) {
	t.Helper()
	store := credentials.NewStore(h.fs, credentialsPath)
	require.NoError(t, store.Save(&credentials.Record{Address: address, Username: apitest.Username, Secret: secret}))
}

func (h *harness) run(args ...string) int {
	return h.runContext(context.Background(), args...)
}

func (h *harness) runContext(ctx context.Context, args ...string) int {
	h.out.Reset()
	h.err.Reset()
	app := &cli.App{
		Fs:           h.fs,
		In:           h.in,
		Out:          h.out,
		Err:          h.err,
		PollInterval: 10 * time.Millisecond,
		Client: client.Config{
			Timeout:      5 * time.Second,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 5 * time.Millisecond,
		},
	}
	return cli.Execute(ctx, app, append([]string{"--credentials", credentialsPath}, args...))
}

func (h *harness) writeManifest(t *testing.T, content string) string {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, "/project/heartbeat.json", []byte(content), 0o644))
	return "/project/heartbeat.json"
}

func TestPing(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 42.5, Bandwidth: 3 << 20})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)

	require.Equal(t, cli.ExitOK, h.run("ping"), h.err.String())
	assert.Contains(t, h.out.String(), "alice @ "+srv.URL)
	assert.Contains(t, h.out.String(), "42.5")
	assert.Contains(t, h.out.String(), "3.0 MiB")
}

func TestPing_Failures(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 10})

	t.Run("no credentials", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, cli.ExitAuth, h.run("ping"))
		assert.Contains(t, h.err.String(), "sc configure")
	})

	t.Run("wrong secret", func(t *testing.T) {
		h := newHarness(t)
		h.login(t, srv.URL, "battery-staple")
		assert.Equal(t, cli.ExitAuth, h.run("ping"))
	})

	t.Run("malformed credentials", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, afero.WriteFile(h.fs, credentialsPath, []byte(`{"address":"ftp://x"}`), 0o600))
		assert.Equal(t, cli.ExitUsage, h.run("ping"))
	})

	t.Run("server down", func(t *testing.T) {
		h := newHarness(t)
		h.login(t, "http://127.0.0.1:1", apitest.Secret)
		assert.Equal(t, cli.ExitUnavailable, h.run("ping"))
	})

	t.Run("unknown flag", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, cli.ExitUsage, h.run("ping", "--bogus"))
	})
}

func TestConfigure_Flags(t *testing.T) {
	h := newHarness(t)

	code := h.run("configure", "--address", "https://sc.example.com/", "--username", "alice", "--secret", "s3cret")
	require.Equal(t, cli.ExitOK, code, h.err.String())
	assert.Contains(t, h.out.String(), "Credentials saved to "+credentialsPath)

	got, err := credentials.NewStore(h.fs, credentialsPath).Load()
	require.NoError(t, err)
	want := credentials.Record{Address: "https://sc.example.com", Username: "alice", Secret: "s3cret"}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("saved credentials mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigure_Prompts(t *testing.T) {
	h := newHarness(t)
	h.in = strings.NewReader("http://localhost:8080\nbob\nhunter2\n")
	require.Equal(t, cli.ExitOK, h.run("configure"), h.err.String())
	assert.Contains(t, h.out.String(), "Server address: ")

	// Empty answers keep the stored values
	h.in = strings.NewReader("\n\n\n")
	require.Equal(t, cli.ExitOK, h.run("configure"), h.err.String())
	assert.Contains(t, h.out.String(), "Server address [http://localhost:8080]: ")
	assert.Contains(t, h.out.String(), "Secret [keep current]: ")
	assert.NotContains(t, h.out.String(), "hunter2")

	got, err := credentials.NewStore(h.fs, credentialsPath).Load()
	require.NoError(t, err)
	want := credentials.Record{Address: "http://localhost:8080", Username: "bob", Secret: "hunter2"}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("saved credentials mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigure_Rejections(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 10})

	tests := []struct {
		name string
		args []string
		code int
	}{
		{
			name: "missing secret",
			args: []string{"configure", "--address", srv.URL, "--username", "alice", "--secret", ""},
			code: cli.ExitUsage,
		},
		{
			name: "not a url",
			args: []string{"configure", "--address", "sc.example.com", "--username", "alice", "--secret", "x"},
			code: cli.ExitUsage,
		},
		{
			name: "verify with wrong secret",
			args: []string{"configure", "--address", srv.URL, "--username", "alice", "--secret", "wrong", "--verify"},
			code: cli.ExitAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			assert.Equal(t, tt.code, h.run(tt.args...))

			exists, err := afero.Exists(h.fs, credentialsPath)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestConfigure_Verify(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 12})
	h := newHarness(t)

	code := h.run("configure", "--address", srv.URL, "--username", apitest.Username, "--secret", apitest.Secret, "--verify")
	require.Equal(t, cli.ExitOK, code, h.err.String())
	assert.Contains(t, h.out.String(), "Authenticated as alice, 12.0 compute minutes remaining")
}

func TestCompile_Rejections(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 10})

	tests := []struct {
		name     string
		manifest string
		args     []string
		code     int
	}{
		{
			name:     "local compile",
			manifest: manifestJSON,
			code:     cli.ExitUsage,
		},
		{
			name:     "bad design name",
			manifest: `{"design":"9heartbeat","target":"t","tool_chain":{"flow":"asicflow"}}`,
			args:     []string{"--remote"},
			code:     cli.ExitUsage,
		},
		{
			name:     "unknown field",
			manifest: `{"design":"heartbeat","target":"t","tool_chain":{"flow":"asicflow"},"colour":"red"}`,
			args:     []string{"--remote"},
			code:     cli.ExitUsage,
		},
		{
			name:     "inputs missing",
			manifest: manifestJSON,
			args:     []string{"--remote", "--inputs", "/nowhere"},
			code:     cli.ExitUsage,
		},
		{
			name:     "over quota",
			manifest: manifestJSON,
			args:     []string{"--remote"},
			code:     cli.ExitQuota,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.login(t, srv.URL, apitest.Secret)
			path := h.writeManifest(t, tt.manifest)

			args := append([]string{"compile", path}, tt.args...)
			assert.Equal(t, tt.code, h.run(args...), h.err.String())
		})
	}

	assert.Empty(t, srv.Publisher.IDs())
}

func TestCompile_Detach(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)

	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest), h.err.String())

	ids := srv.Publisher.IDs()
	require.Len(t, ids, 1)
	assert.Contains(t, h.out.String(), "Submitted job "+ids[0])
	assert.Contains(t, h.out.String(), "sc status "+ids[0])

	// Same key, same job
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", "--idempotency-key", "retry-1", manifest))
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", "--idempotency-key", "retry-1", manifest))
	assert.Len(t, srv.Publisher.IDs(), 2)
}

// compileInBackground starts `sc compile` and returns once it is polling,
// with the submitted job id and a channel carrying the exit code.
func compileInBackground(ctx context.Context, t *testing.T, srv *apitest.Server, h *harness, args ...string) (string, <-chan int) {
	t.Helper()
	done := make(chan int, 1)
	go func() {
		done <- h.runContext(ctx, append([]string{"compile", "--remote"}, args...)...)
	}()

	var jobID string
	require.Eventually(t, func() bool {
		ids := srv.Publisher.IDs()
		if len(ids) == 0 {
			return false
		}
		jobID = ids[0]
		return strings.Contains(h.out.String(), "] QUEUED")
	}, 5*time.Second, 5*time.Millisecond)
	return jobID, done
}

func TestCompile_WaitsAndFetches(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100, Bandwidth: 1 << 20})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	require.NoError(t, afero.WriteFile(h.fs, "/project/src/heartbeat.v", []byte("module heartbeat; endmodule\n"), 0o644))

	jobID, done := compileInBackground(context.Background(), t, srv, h, manifest, "--inputs", "/project/src", "--output", "/project/build")
	srv.Complete(t, jobID, 12*time.Minute, map[string]string{
		"heartbeat.gds":      "GDS",
		"reports/timing.rpt": "slack 0.12",
		"logs/heartbeat.log": "done",
	})

	select {
	case code := <-done:
		require.Equal(t, cli.ExitOK, code, h.err.String())
	case <-time.After(10 * time.Second):
		t.Fatal("compile did not finish")
	}

	out := h.out.String()
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "charged 12.0 minutes")

	dest := path.Join("/project/build", jobID)
	got, err := afero.ReadFile(h.fs, path.Join(dest, "reports/timing.rpt"))
	require.NoError(t, err)
	assert.Equal(t, "slack 0.12", string(got))

	exists, err := afero.Exists(h.fs, path.Join("/project/build", jobID+".tar.gz"))
	require.NoError(t, err)
	assert.False(t, exists, "bundle is removed after unpacking")

	assert.Equal(t, 88.0, srv.Minutes(t))
	assert.Less(t, srv.Bandwidth(t), int64(1<<20))
}

func TestCompile_JobFails(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)

	jobID, done := compileInBackground(context.Background(), t, srv, h, manifest)
	srv.Fail(t, jobID, "exit code 1")

	select {
	case code := <-done:
		assert.Equal(t, cli.ExitError, code)
	case <-time.After(10 * time.Second):
		t.Fatal("compile did not finish")
	}
	assert.Contains(t, h.err.String(), fmt.Sprintf("job %s FAILED: exit code 1", jobID))
	assert.Equal(t, 100.0, srv.Minutes(t))
}

func TestCompile_InterruptedWait(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobID, done := compileInBackground(ctx, t, srv, h, manifest)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, cli.ExitError, code)
	case <-time.After(10 * time.Second):
		t.Fatal("compile did not stop")
	}
	assert.Contains(t, h.err.String(), "sc cancel "+jobID)
	assert.Equal(t, 70.0, srv.Minutes(t), "the job keeps its hold")
}

func TestStatusAndCancel(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest))
	jobID := srv.Publisher.IDs()[0]
	assert.Equal(t, 70.0, srv.Minutes(t))

	require.Equal(t, cli.ExitOK, h.run("status", jobID), h.err.String())
	assert.Contains(t, h.out.String(), jobID)
	assert.Contains(t, h.out.String(), "QUEUED")
	assert.Contains(t, h.out.String(), "30.0 minutes")

	require.Equal(t, cli.ExitOK, h.run("cancel", jobID), h.err.String())
	assert.Contains(t, h.out.String(), "CANCELLED")
	assert.Equal(t, 100.0, srv.Minutes(t))

	assert.Equal(t, cli.ExitNotFound, h.run("fetch", jobID))
	assert.Equal(t, cli.ExitNotFound, h.run("status", uuid.NewString()))
	assert.Equal(t, cli.ExitUsage, h.run("status"))
}

func TestJobs(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	for i := 0; i < 3; i++ {
		require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest))
	}
	ids := srv.Publisher.IDs()
	require.Len(t, ids, 3)

	require.Equal(t, cli.ExitOK, h.run("jobs", "--page-size", "2"), h.err.String())
	assert.Contains(t, h.out.String(), "JOB ID")
	assert.Contains(t, h.out.String(), "More jobs: sc jobs --cursor ")

	require.Equal(t, cli.ExitOK, h.run("jobs", "--page-size", "2", "--all"), h.err.String())
	for _, id := range ids {
		assert.Contains(t, h.out.String(), id)
	}
	assert.NotContains(t, h.out.String(), "More jobs")

	require.Equal(t, cli.ExitOK, h.run("jobs", "--state", "SUCCEEDED"))
	for _, id := range ids {
		assert.NotContains(t, h.out.String(), id)
	}

	assert.Equal(t, cli.ExitUsage, h.run("jobs", "--state", "DONE"))
}

func TestFetch(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100, Bandwidth: 1 << 20})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest))
	jobID := srv.Publisher.IDs()[0]

	assert.Equal(t, cli.ExitNotFound, h.run("fetch", jobID), "not ready")

	srv.Complete(t, jobID, 5*time.Minute, map[string]string{"heartbeat.gds": "GDS"})
	require.Equal(t, cli.ExitOK, h.run("fetch", jobID, "-o", "/results", "--keep-bundle"), h.err.String())
	assert.Contains(t, h.out.String(), "Results unpacked to "+path.Join("/results", jobID))

	got, err := afero.ReadFile(h.fs, path.Join("/results", jobID, "heartbeat.gds"))
	require.NoError(t, err)
	assert.Equal(t, "GDS", string(got))

	exists, err := afero.Exists(h.fs, path.Join("/results", jobID+".tar.gz"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFetch_UnpackLimit(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100, Bandwidth: 1 << 20})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest))
	jobID := srv.Publisher.IDs()[0]
	srv.Complete(t, jobID, 5*time.Minute, map[string]string{"heartbeat.gds": strings.Repeat("G", 4096)})

	assert.Equal(t, cli.ExitError, h.run("fetch", jobID, "-o", "/results", "--max-unpack-bytes", "1024"))
	assert.Contains(t, h.err.String(), "archive exceeds size limit")

	exists, err := afero.Exists(h.fs, path.Join("/results", jobID+".tar.gz"))
	require.NoError(t, err)
	assert.True(t, exists, "bundle is kept for inspection")
}

func TestFetch_BandwidthExhausted(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Options{Minutes: 100, Bandwidth: 10})
	h := newHarness(t)
	h.login(t, srv.URL, apitest.Secret)
	manifest := h.writeManifest(t, manifestJSON)
	require.Equal(t, cli.ExitOK, h.run("compile", "--remote", "--detach", manifest))
	jobID := srv.Publisher.IDs()[0]
	srv.Complete(t, jobID, 5*time.Minute, map[string]string{"heartbeat.gds": strings.Repeat("G", 4096)})

	assert.Equal(t, cli.ExitQuota, h.run("fetch", jobID, "-o", "/results"))

	exists, err := afero.Exists(h.fs, path.Join("/results", jobID+".tar.gz"))
	require.NoError(t, err)
	assert.False(t, exists, "partial bundle is removed")
}
