package service

// Recorder receives facade metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpRecorder discards every metric
type NoOpRecorder struct{}

func (NoOpRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpRecorder) Observe(name string, value float64, tags map[string]string) {}
