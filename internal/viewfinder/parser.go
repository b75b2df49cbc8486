package viewfinder

import (
	"context"
	"errors"
	"fmt"

	"github.com/babelcloud/camlink/internal/protocol"
	"github.com/babelcloud/camlink/internal/util"
)

// MaxImageLength bounds the image size a START datagram may announce.
const MaxImageLength = 16 * 1024 * 1024

// ErrBadImageLength is returned for a START announcing an unusable size.
var ErrBadImageLength = errors.New("viewfinder image length out of range")

// Image is one reassembled viewfinder image. Data is nil when the image was
// lost to a sequence gap; Timestamp is then the last announced timestamp.
type Image struct {
	Timestamp float32
	Data      []byte
}

// Lost reports whether the image was dropped during reassembly.
func (i Image) Lost() bool {
	return i.Data == nil
}

// Parser reassembles JPEG images from viewfinder datagrams. It is not safe
// for concurrent use; Images runs one parser on its own goroutine.
type Parser struct {
	receiving bool
	expected  uint16
	timestamp float32
	image     []byte
	filled    int
}

// NewParser returns a parser waiting for a START datagram.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one datagram. It returns an image event when the datagram
// completed an image or revealed a loss. Malformed datagrams return an error
// and leave the parser state untouched.
func (p *Parser) Feed(datagram []byte) (Image, bool, error) {
	dg, err := protocol.ParseDatagram(datagram)
	if err != nil {
		return Image{}, false, err
	}

	if dg.Kind == protocol.MessageStart {
		info, err := protocol.ParseStart(dg.Payload)
		if err != nil {
			return Image{}, false, err
		}
		if info.ImageLength <= 0 || info.ImageLength > MaxImageLength {
			return Image{}, false, fmt.Errorf("%w: %d", ErrBadImageLength, info.ImageLength)
		}

		p.timestamp = info.Timestamp
		p.expected = dg.Sequence + 1
		p.image = make([]byte, info.ImageLength)
		p.filled = 0
		p.receiving = true
		return Image{}, false, nil
	}

	if !p.receiving {
		return Image{}, false, nil
	}

	if dg.Sequence != p.expected || p.filled+len(dg.Payload) > len(p.image) {
		p.reset()
		return Image{Timestamp: p.timestamp}, true, nil
	}

	p.filled += copy(p.image[p.filled:], dg.Payload)
	p.expected++

	if p.filled == len(p.image) {
		image := Image{Timestamp: p.timestamp, Data: p.image}
		p.reset()
		return image, true, nil
	}
	return Image{}, false, nil
}

// Receiving reports whether an image is being accumulated.
func (p *Parser) Receiving() bool {
	return p.receiving
}

func (p *Parser) reset() {
	p.receiving = false
	p.image = nil
	p.filled = 0
}

// Images feeds every datagram from in to the parser and delivers the
// resulting image events. The returned channel is closed when in is closed
// or ctx is done. onReject, when set, is called for every malformed datagram.
func (p *Parser) Images(ctx context.Context, in <-chan []byte, onReject func(error)) <-chan Image {
	out := make(chan Image, 8)
	logger := util.Component("viewfinder_parser")

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case datagram, ok := <-in:
				if !ok {
					return
				}

				image, emitted, err := p.Feed(datagram)
				if err != nil {
					logger.Debug("Dropping viewfinder datagram", "size", len(datagram), "error", err)
					if onReject != nil {
						onReject(err)
					}
					continue
				}
				if !emitted {
					continue
				}

				select {
				case out <- image:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
