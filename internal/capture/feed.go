// Package capture provides the line-oriented packet feeds the pipeline reads.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds a single capture line.
const maxLineSize = 1024 * 1024

// Feed produces one text line per observed packet. Run blocks until the
// input ends, ctx is cancelled or the feed fails. A clean end of input
// returns nil.
type Feed interface {
	Run(ctx context.Context, out chan<- string) error
}

// Reader feeds the lines of an io.Reader, such as standard input or a saved
// tcpdump text capture.
type Reader struct {
	r io.Reader
}

// NewReader creates a feed over r. If r is an io.Closer it is closed when
// Run returns, which also unblocks a pending read on cancellation.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (f *Reader) Run(ctx context.Context, out chan<- string) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)

	if c, ok := f.r.(io.Closer); ok {
		defer c.Close()
	}

	var scanErr error
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(f.r)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		scanErr = sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanErr
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// File feeds the lines of a saved tcpdump text capture. The file is opened
// when Run starts and closed when it returns.
type File struct {
	path string
}

// NewFile creates a feed over the text capture at path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Run(ctx context.Context, out chan<- string) error {
	r, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	return NewReader(r).Run(ctx, out)
}
