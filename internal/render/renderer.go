// Package render presents preview and viewfinder images.
package render

// Renderer draws JPEG frames handed over by the player.
type Renderer interface {
	QueueImage(image []byte)
	StartDrawing()
	StopDrawing()
}

// Multi fans frames out to several renderers.
type Multi []Renderer

func (m Multi) QueueImage(image []byte) {
	for _, r := range m {
		r.QueueImage(image)
	}
}

func (m Multi) StartDrawing() {
	for _, r := range m {
		r.StartDrawing()
	}
}

func (m Multi) StopDrawing() {
	for _, r := range m {
		r.StopDrawing()
	}
}

// Discard is a Renderer that draws nothing.
type Discard struct{}

func (Discard) QueueImage([]byte) {}
func (Discard) StartDrawing()     {}
func (Discard) StopDrawing()      {}
