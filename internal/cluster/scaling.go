package cluster

import "github.com/socialpulse/realtime/internal/types"

// ScalingMetrics aggregates cluster load into a decision-support signal. It
// never actuates anything; an operator or autoscaler reads it.
type ScalingMetrics struct {
	TotalNodes       int     `json:"totalNodes"`
	HealthyNodes     int     `json:"healthyNodes"`
	TotalConnections int     `json:"totalConnections"`
	TotalCapacity    int     `json:"totalCapacity"`
	AverageLoad      float64 `json:"averageLoad"` // 0..1 across capacity
	Recommendation   string  `json:"recommendation"`
	Confidence       float64 `json:"confidence"` // 0..1
}

// Scaling recommendations.
const (
	RecommendScaleUp   = "scale_up"
	RecommendScaleDown = "scale_down"
	RecommendMaintain  = "maintain"
)

// GetScalingMetrics computes the current recommendation: scale up above 0.8
// average load, scale down below 0.3 when more than one node exists,
// otherwise maintain. Confidence grows with distance from the decision
// boundary.
func (m *Manager) GetScalingMetrics() ScalingMetrics {
	m.mu.Lock()
	metrics := ScalingMetrics{TotalNodes: len(m.nodes)}
	for _, node := range m.nodes {
		metrics.TotalConnections += node.CurrentLoad
		metrics.TotalCapacity += node.MaxConnections
		if node.Status != types.NodeUnhealthy {
			metrics.HealthyNodes++
		}
	}
	m.mu.Unlock()

	if metrics.TotalCapacity > 0 {
		metrics.AverageLoad = float64(metrics.TotalConnections) / float64(metrics.TotalCapacity)
	}

	switch {
	case metrics.AverageLoad > 0.8:
		metrics.Recommendation = RecommendScaleUp
		metrics.Confidence = boundaryConfidence(metrics.AverageLoad - 0.8)
	case metrics.AverageLoad < 0.3 && metrics.TotalNodes > 1:
		metrics.Recommendation = RecommendScaleDown
		metrics.Confidence = boundaryConfidence(0.3 - metrics.AverageLoad)
	default:
		metrics.Recommendation = RecommendMaintain
		metrics.Confidence = 0.5
		if metrics.AverageLoad >= 0.3 && metrics.AverageLoad <= 0.8 {
			// Deep inside the maintain band reads as more certain.
			center := 0.55
			metrics.Confidence = 1 - abs(metrics.AverageLoad-center)/0.25*0.5
		}
	}

	return metrics
}

// boundaryConfidence maps distance past a threshold into 0.5..1.
func boundaryConfidence(distance float64) float64 {
	confidence := 0.5 + distance*2.5
	if confidence > 1 {
		return 1
	}
	return confidence
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
