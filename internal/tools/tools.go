package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultToolTimeout bounds a single external tool invocation
	DefaultToolTimeout = time.Minute * 30
)

var (
	// ErrToolFailed is returned when an external tool exits non-zero
	ErrToolFailed = errors.New("external tool failed")
	// ErrToolNotFound is returned when a tool is neither in the search path nor in PATH
	ErrToolNotFound = errors.New("external tool not found")
)

// Runner runs an external tool and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Client runs the host tools shipped with the otatools package (avbtool, bsdiff,
// imgdiff, brotli, fec, signapk, checkvintf, aapt2, ...).
type Client struct {
	searchPath string
	workDir    string
	timeout    time.Duration

	mu       sync.Mutex
	resolved map[string]string
}

// New returns a Client looking for tools under searchPath/bin before PATH. Tools run
// with workDir as their working directory.
func New(searchPath, workDir string) *Client {
	return &Client{
		searchPath: searchPath,
		workDir:    workDir,
		timeout:    DefaultToolTimeout,
		resolved:   map[string]string{},
	}
}

// WithTimeout returns a copy of the client using timeout for every invocation
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{
		searchPath: c.searchPath,
		workDir:    c.workDir,
		timeout:    timeout,
		resolved:   map[string]string{},
	}
}

// Run executes name with args. Output lines are logged at debug level and returned; on
// a non-zero exit the captured output is carried verbatim in the error.
func (c *Client) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	binary, err := c.lookup(name)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := c.setup(ctx, binary, args)
	log.WithField("tool", name).Debugf("running %v %v", binary, strings.Join(args, " "))
	output, err := c.run(cmd, name)
	if err != nil {
		return output, fmt.Errorf("'%v %v': %v\n%s: %w", name, strings.Join(args, " "), err, output, ErrToolFailed)
	}
	return output, nil
}

func (c *Client) setup(ctx context.Context, binary string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.workDir
	return cmd
}

func (c *Client) run(cmd *exec.Cmd, name string) ([]byte, error) {
	cmdOutput, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	err = cmd.Start()
	if err != nil {
		return nil, err
	}

	b := &bytes.Buffer{}
	scanner := bufio.NewScanner(cmdOutput)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		log.WithField("tool", name).Debug(scanner.Text())
		b.WriteString(scanner.Text() + "\n")
	}

	err = cmd.Wait()
	if err != nil {
		return b.Bytes(), err
	}
	return b.Bytes(), nil
}

func (c *Client) lookup(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.resolved[name]; ok {
		return path, nil
	}

	var path string
	if c.searchPath != "" {
		candidate := filepath.Join(c.searchPath, "bin", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			path = candidate
		}
	}
	if path == "" {
		found, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("'%v': %w", name, ErrToolNotFound)
		}
		path = found
	}
	c.resolved[name] = path
	return path, nil
}
