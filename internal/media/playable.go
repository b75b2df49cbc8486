package media

// Playable is a clip or highlight stored on the camera that can be previewed.
type Playable struct {
	ID              string  // Media identifier known to the camera
	StartOffsetSecs float64 // Offset into the media where playback begins
	DurationSecs    float64 // Playable length from StartOffsetSecs
	Muted           bool    // Play without sound
}
