package viewfinder

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/babelcloud/camlink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(seq uint16, length int32, ts float32) []byte {
	return protocol.AppendStart(nil, seq, protocol.StartInfo{ImageLength: length, Timestamp: ts})
}

func data(seq uint16, payload []byte) []byte {
	return protocol.AppendDatagram(nil, protocol.MessageData, seq, payload)
}

func feedAll(t *testing.T, p *Parser, datagrams ...[]byte) []Image {
	t.Helper()
	var images []Image
	for _, dg := range datagrams {
		image, emitted, err := p.Feed(dg)
		require.NoError(t, err)
		if emitted {
			images = append(images, image)
		}
	}
	return images
}

func TestParserCompleteImage(t *testing.T) {
	p := NewParser()
	first := bytes.Repeat([]byte{0xAB}, 600)
	second := bytes.Repeat([]byte{0xCD}, 400)

	images := feedAll(t, p,
		start(0, 1000, 3.25),
		data(1, first),
		data(2, second),
	)

	require.Len(t, images, 1)
	assert.Equal(t, float32(3.25), images[0].Timestamp)
	require.Len(t, images[0].Data, 1000)
	assert.Equal(t, append(append([]byte(nil), first...), second...), images[0].Data)
	assert.False(t, images[0].Lost())
	assert.False(t, p.Receiving())
}

func TestParserSequenceGap(t *testing.T) {
	p := NewParser()

	images := feedAll(t, p,
		start(0, 1000, 1.5),
		data(1, make([]byte, 500)),
		data(3, make([]byte, 500)),
	)

	require.Len(t, images, 1)
	assert.True(t, images[0].Lost())
	assert.Nil(t, images[0].Data)
	assert.Equal(t, float32(1.5), images[0].Timestamp)
	assert.False(t, p.Receiving())

	// A fresh START is accepted after the loss.
	images = feedAll(t, p,
		start(10, 4, 2.0),
		data(11, []byte{1, 2, 3, 4}),
	)
	require.Len(t, images, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, images[0].Data)
	assert.Equal(t, float32(2.0), images[0].Timestamp)
}

func TestParserIgnoresDataWithoutStart(t *testing.T) {
	p := NewParser()

	images := feedAll(t, p,
		data(5, []byte{1, 2}),
		data(6, []byte{3, 4}),
	)
	assert.Empty(t, images)
	assert.False(t, p.Receiving())
}

func TestParserOverflowIsLoss(t *testing.T) {
	p := NewParser()

	images := feedAll(t, p,
		start(0, 4, 0.5),
		data(1, []byte{1, 2, 3}),
		data(2, []byte{4, 5}),
	)
	require.Len(t, images, 1)
	assert.True(t, images[0].Lost())
}

func TestParserSequenceWraps(t *testing.T) {
	p := NewParser()

	images := feedAll(t, p,
		start(65535, 4, 9.0),
		data(0, []byte{1, 2}),
		data(1, []byte{3, 4}),
	)
	require.Len(t, images, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, images[0].Data)
}

func TestParserRestartDiscardsPartialImage(t *testing.T) {
	p := NewParser()

	images := feedAll(t, p,
		start(0, 8, 1.0),
		data(1, []byte{1, 2, 3, 4}),
		start(2, 2, 2.0),
		data(3, []byte{9, 9}),
	)
	require.Len(t, images, 1)
	assert.Equal(t, []byte{9, 9}, images[0].Data)
	assert.Equal(t, float32(2.0), images[0].Timestamp)
}

func TestParserMalformedDatagrams(t *testing.T) {
	p := NewParser()
	require.Empty(t, feedAll(t, p, start(0, 4, 1.0)))

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "short", data: []byte{0x55, 0xAA, 1}, wantErr: protocol.ErrShortDatagram},
		{name: "bad sync", data: append([]byte{0x12, 0x34}, data(1, []byte{1})[2:]...), wantErr: protocol.ErrBadSync},
		{name: "bad kind", data: protocol.AppendDatagram(nil, 7, 1, []byte{1}), wantErr: protocol.ErrBadKind},
		{name: "length mismatch", data: append(data(1, []byte{1}), 0), wantErr: protocol.ErrLengthMismatch},
		{name: "zero length image", data: start(9, 0, 1.0), wantErr: ErrBadImageLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emitted, err := p.Feed(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, emitted)
		})
	}

	// Malformed datagrams leave the image in progress untouched.
	images := feedAll(t, p, data(1, []byte{1, 2, 3, 4}))
	require.Len(t, images, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, images[0].Data)
}

func TestParserImages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan []byte, 16)
	for _, dg := range protocol.SplitImage(bytes.Repeat([]byte{7}, 3000), 4.0, 0) {
		in <- dg
	}
	in <- []byte{0}
	in <- start(20, 10, 5.0)
	in <- data(22, make([]byte, 10))
	close(in)

	var rejected int
	var images []Image
	for image := range NewParser().Images(ctx, in, func(error) { rejected++ }) {
		images = append(images, image)
	}

	require.Len(t, images, 2)
	assert.Len(t, images[0].Data, 3000)
	assert.Equal(t, float32(4.0), images[0].Timestamp)
	assert.True(t, images[1].Lost())
	assert.Equal(t, float32(5.0), images[1].Timestamp)
	assert.Equal(t, 1, rejected)
}
