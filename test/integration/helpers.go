package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"acdcd/client"
	"acdcd/internal/signing"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running binary.
type Process struct {
	name   string             // name labels the process in failures
	args   []string           // args restart the process
	binary string             // binary is the executable path
	cmd    *exec.Cmd          // cmd is the running process
	stdout *safeBuffer        // stdout captures process output
	stderr *safeBuffer        // stderr captures process errors
	cancel context.CancelFunc // cancel stops the process
	done   chan struct{}      // done closes when the process exits
}

// Logs returns the process output.
func (p *Process) Logs() string { return p.stdout.String() }

// LogContains checks if the process logs contain a substring.
func (p *Process) LogContains(s string) bool {
	return strings.Contains(p.stdout.String(), s)
}

// Stop terminates the process and waits for it to exit.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	if p.done != nil {
		<-p.done
	}
}

// Cluster runs a resolver, witnesses and daemons for one test.
type Cluster struct {
	t         *testing.T        // t is the test context
	binaries  map[string]string // binaries maps a cmd name to its compiled path
	testDir   string            // testDir is the temporary directory for process data
	procs     []*Process        // procs are stopped on cleanup
	nextPort  int               // nextPort is the next free local port
	Resolver  string            // Resolver is the resolver base URL
	Witnesses []string          // Witnesses are the witness prefixes
}

// NewCluster builds the binaries and starts a resolver and witnesses.
func NewCluster(t *testing.T, witnesses int) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c := &Cluster{
		t:        t,
		binaries: buildBinaries(t, "acdcd", "witness", "resolver"),
		testDir:  t.TempDir(),
		nextPort: 18400,
	}

	t.Cleanup(c.Stop)

	addr := c.port()
	c.Resolver = "http://" + addr
	c.start("resolver", "--http", addr, "--data", c.dir("resolver"))
	c.waitHTTP(c.Resolver+"/health", 10*time.Second)

	for i := range witnesses {
		c.Witnesses = append(c.Witnesses, c.startWitness(i))
	}

	return c
}

// startWitness writes a fresh witness key, starts the witness and returns
// its prefix once it has registered with the resolver.
func (c *Cluster) startWitness(index int) string {
	c.t.Helper()

	name := fmt.Sprintf("witness-%d", index)
	dir := c.dir(name)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		c.t.Fatal(err)
	}

	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		c.t.Fatal(err)
	}

	p := c.start(name,
		"--quic", c.port(),
		"--key", keyPath,
		"--data", dir,
		"--resolver", c.Resolver,
	)

	c.waitLog(p, "witness registered", 10*time.Second)

	return signing.Prefix(signing.CodeNonTransferable, pub)
}

// StartDaemon starts an acdcd daemon witnessed by every cluster witness and
// returns a client for its API. Witness addresses come from the resolver.
func (c *Cluster) StartDaemon(user string, threshold int) (*Process, *client.Client) {
	c.t.Helper()

	dir := c.dir("daemon-" + user)
	addr := c.port()
	_, port, _ := strings.Cut(addr, ":")

	args := []string{
		"--port", port,
		"--user", user,
		"--key", filepath.Join(dir, "key"),
		"--data", dir,
		"--resolver", c.Resolver,
		"--witness-threshold", fmt.Sprintf("%d", threshold),
		"--confirm-interval", "500ms",
		"--log-level", "debug",
	}

	for _, w := range c.Witnesses {
		args = append(args, "--witness", w)
	}

	p := c.start("acdcd", args...)
	c.waitHTTP("http://"+addr+"/health", 10*time.Second)

	return p, client.NewClient(addr)
}

// Restart stops p and starts it again with the same arguments.
func (c *Cluster) Restart(p *Process) *Process {
	c.t.Helper()

	p.Stop()

	return c.start(p.name, p.args...)
}

// Stop kills every process.
func (c *Cluster) Stop() {
	for _, p := range c.procs {
		p.Stop()
	}
}

func (c *Cluster) start(name string, args ...string) *Process {
	c.t.Helper()

	binary, _, _ := strings.Cut(name, "-")

	ctx, cancel := context.WithCancel(context.Background())

	p := &Process{
		name:   name,
		args:   args,
		binary: c.binaries[binary],
		stdout: &safeBuffer{},
		stderr: &safeBuffer{},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.cmd = exec.CommandContext(ctx, p.binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr
	p.cmd.Env = append(os.Environ(), "ACDCD_ENV=none", "WITNESS_ENV=none", "RESOLVER_ENV=none")

	if err := p.cmd.Start(); err != nil {
		c.t.Fatalf("start %s: %v", name, err)
	}

	// Wait in background so done closes when the process exits.
	go func() {
		p.cmd.Wait()
		close(p.done)
	}()

	c.procs = append(c.procs, p)

	return p
}

func (c *Cluster) port() string {
	addr := fmt.Sprintf("127.0.0.1:%d", c.nextPort)
	c.nextPort++

	return addr
}

func (c *Cluster) dir(name string) string {
	c.t.Helper()

	dir := filepath.Join(c.testDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.t.Fatalf("create %s: %v", dir, err)
	}

	return dir
}

// waitHTTP polls url until it answers 200.
func (c *Cluster) waitHTTP(url string, timeout time.Duration) {
	c.t.Helper()

	Eventually(c.t, timeout, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, "waiting for %s", url)
}

// waitLog polls the process output for s.
func (c *Cluster) waitLog(p *Process, s string, timeout time.Duration) {
	c.t.Helper()

	Eventually(c.t, timeout, func() bool { return p.LogContains(s) },
		"waiting for %q from %s", s, p.name)
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("timed out "+format, args...)
}

// buildBinaries compiles the named cmd packages into a temporary directory.
func buildBinaries(t *testing.T, names ...string) map[string]string {
	t.Helper()

	out := make(map[string]string, len(names))
	dir := t.TempDir()

	for _, name := range names {
		binary := filepath.Join(dir, name)

		cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
		cmd.Dir = getProjectRoot(t)

		output, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("build %s failed: %v\n%s", name, err, output)
		}

		out[name] = binary
	}

	return out
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
