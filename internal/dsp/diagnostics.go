package dsp

// FrameDiagnostics summarizes a frame for warning/telemetry purposes only;
// spec §4.1 is explicit that it is not required for correctness.
type FrameDiagnostics struct {
	Peak   int16
	DCMean float64
}

// ComputeFrameDiagnostics returns the peak absolute sample value and the
// mean (DC) level of samples. An empty slice yields the zero value.
func ComputeFrameDiagnostics(samples []int16) FrameDiagnostics {
	if len(samples) == 0 {
		return FrameDiagnostics{}
	}
	var peak int16
	var sum float64
	for _, s := range samples {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
		sum += float64(s)
	}
	return FrameDiagnostics{
		Peak:   peak,
		DCMean: sum / float64(len(samples)),
	}
}
