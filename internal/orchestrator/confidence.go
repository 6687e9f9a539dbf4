package orchestrator

import (
	"math"

	"github.com/civic-agent/backend/internal/provider"
)

const (
	scoreWeight    = 0.7
	coverageWeight = 0.2
	citationBonus  = 0.1
	// coverageTarget is the evidence count that earns the full coverage weight.
	coverageTarget = 5
	partialFactor  = 0.9
)

// computeConfidence scores an answer from the evidence it was built on.
func computeConfidence(evidence []provider.EvidenceItem, cited, partial bool) float64 {
	if len(evidence) == 0 {
		return 0
	}

	var sum float64
	for _, e := range evidence {
		sum += clamp(e.Score)
	}
	mean := sum / float64(len(evidence))

	coverage := math.Min(float64(len(evidence)), coverageTarget) / coverageTarget

	conf := scoreWeight*mean + coverageWeight*coverage
	if cited {
		conf += citationBonus
	}
	if partial {
		conf *= partialFactor
	}
	return clamp(conf)
}

// lowered is the confidence reported for an answer that did not pass
// validation: always strictly below the floor.
func lowered(conf, penalty, floor float64) float64 {
	return math.Max(0, math.Min(conf*penalty, floor-0.01))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
