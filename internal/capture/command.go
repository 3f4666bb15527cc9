package capture

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"
)

// Command runs a capture tool such as tcpdump and feeds its standard output.
type Command struct {
	argv []string
	log  *logrus.Entry
}

// NewCommand parses command into an argument vector.
func NewCommand(command string, log logrus.FieldLogger) (*Command, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid capture command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty capture command")
	}
	return &Command{argv: argv, log: log.WithField("component", "capture")}, nil
}

// Args returns the parsed argument vector.
func (c *Command) Args() []string {
	return c.argv
}

// Run starts the command and forwards every line it prints. The command is
// interrupted when ctx is cancelled. The capture tool exiting on its own is
// reported as an error unless it exited cleanly.
func (c *Command) Run(ctx context.Context, out chan<- string) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Cancel = func() error {
		// SIGINT lets tcpdump print its summary and exit.
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 5 * time.Second

	stderr := c.log.WriterLevel(logrus.WarnLevel)
	defer stderr.Close()
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture command %q: %w", c.argv[0], err)
	}
	c.log.WithField("args", c.argv).Info("capture started")

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	scanErr := sc.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("capture command exited: %w", waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("reading capture output: %w", scanErr)
	}
	return nil
}
