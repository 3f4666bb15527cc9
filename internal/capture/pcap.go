package capture

import (
	"context"
	"errors"
	"io"

	"styx-dpi/pkg/pcap"
)

// Pcap replays a capture file.
type Pcap struct {
	path string
}

// NewPcap creates a feed over the pcap or pcapng file at path.
func NewPcap(path string) *Pcap {
	return &Pcap{path: path}
}

func (p *Pcap) Run(ctx context.Context, out chan<- string) error {
	r, err := pcap.Open(p.path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.NextLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return nil
		}
	}
}
