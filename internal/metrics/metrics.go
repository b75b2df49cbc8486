package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "camlink"

// Metrics holds the streaming pipeline instrumentation. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
type Metrics struct {
	PreviewFrames      *prometheus.CounterVec
	PreviewDropped     prometheus.Counter
	BufferedFrames     *prometheus.GaugeVec
	FramesDrawn        prometheus.Counter
	ViewfinderImages   prometheus.Counter
	ViewfinderLost     prometheus.Counter
	ViewfinderRejected prometheus.Counter
	Commands           *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

// New creates and registers the pipeline metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PreviewFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "frames_total",
			Help:      "Preview frames read from the camera, by frame type.",
		}, []string{"type"}),
		PreviewDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "frames_dropped_total",
			Help:      "Preview frames rejected because the buffer was full.",
		}),
		BufferedFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "buffered_frames",
			Help:      "Frames waiting in the preview buffer, by track.",
		}, []string{"track"}),
		FramesDrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "frames_drawn_total",
			Help:      "Video frames handed to the renderer.",
		}),
		ViewfinderImages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewfinder",
			Name:      "images_total",
			Help:      "Viewfinder images reassembled.",
		}),
		ViewfinderLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewfinder",
			Name:      "images_lost_total",
			Help:      "Viewfinder images lost to a sequence gap.",
		}),
		ViewfinderRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewfinder",
			Name:      "datagrams_rejected_total",
			Help:      "Malformed viewfinder datagrams.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "commands_total",
			Help:      "Camera REST commands, by command and result.",
		}, []string{"command", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "notifications_total",
			Help:      "Backchannel notifications received, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.PreviewFrames,
		m.PreviewDropped,
		m.BufferedFrames,
		m.FramesDrawn,
		m.ViewfinderImages,
		m.ViewfinderLost,
		m.ViewfinderRejected,
		m.Commands,
		m.Notifications,
	)

	return m
}

func (m *Metrics) PreviewFrame(frameType string) {
	if m == nil {
		return
	}
	m.PreviewFrames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) PreviewDrop() {
	if m == nil {
		return
	}
	m.PreviewDropped.Inc()
}

func (m *Metrics) SetBuffered(track string, n int) {
	if m == nil {
		return
	}
	m.BufferedFrames.WithLabelValues(track).Set(float64(n))
}

func (m *Metrics) FrameDrawn() {
	if m == nil {
		return
	}
	m.FramesDrawn.Inc()
}

// ViewfinderImage counts a reassembled image, or a lost one when lost is set.
func (m *Metrics) ViewfinderImage(lost bool) {
	if m == nil {
		return
	}
	if lost {
		m.ViewfinderLost.Inc()
		return
	}
	m.ViewfinderImages.Inc()
}

func (m *Metrics) ViewfinderReject() {
	if m == nil {
		return
	}
	m.ViewfinderRejected.Inc()
}

func (m *Metrics) Command(command string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}
