package ping

import (
	"math"

	"github.com/probelab/netprobe/pkg/types"
)

// CalculateStatistics derives aggregate statistics from a batch of
// samples. Time-domain fields stay 0 when nothing succeeded.
func CalculateStatistics(samples []types.PingSample) types.PingStatistics {
	stats := types.PingStatistics{
		PacketsSent: len(samples),
	}
	if len(samples) == 0 {
		return stats
	}

	rtts := successRTTs(samples)
	stats.PacketsReceived = len(rtts)
	stats.PacketLoss = 100.0 * float64(stats.PacketsSent-stats.PacketsReceived) / float64(stats.PacketsSent)
	stats.Duration = samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()

	if len(rtts) == 0 {
		return stats
	}

	min, max, sum := rtts[0], rtts[0], 0.0
	for _, rtt := range rtts {
		if rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
		sum += rtt
	}
	avg := sum / float64(len(rtts))

	variance := 0.0
	for _, rtt := range rtts {
		variance += (rtt - avg) * (rtt - avg)
	}
	variance /= float64(len(rtts))

	stats.MinResponseTime = min
	stats.MaxResponseTime = max
	stats.AvgResponseTime = avg
	stats.StdDeviation = math.Sqrt(variance)
	stats.Jitter = CalculateJitter(rtts)
	return stats
}

// CalculateJitter returns the mean absolute difference between
// consecutive RTT samples. Fewer than two samples yield 0.
func CalculateJitter(rtts []float64) float64 {
	if len(rtts) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(rtts); i++ {
		sum += math.Abs(rtts[i] - rtts[i-1])
	}
	return sum / float64(len(rtts)-1)
}

// AssessConnectionQuality scores a batch of samples on a 0-100 scale and
// buckets the score into a rating. Loss weighs double, latency above
// 100ms and jitter chip away the rest.
func AssessConnectionQuality(samples []types.PingSample) (float64, types.QualityRating) {
	stats := CalculateStatistics(samples)

	score := 100.0
	score -= 2.0 * stats.PacketLoss
	if stats.AvgResponseTime > 100 {
		score -= (stats.AvgResponseTime - 100) / 10
	}
	score -= stats.Jitter / 5

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return score, RatingForScore(score)
}

// RatingForScore maps a quality score to its bucket
func RatingForScore(score float64) types.QualityRating {
	switch {
	case score >= 90:
		return types.QualityExcellent
	case score >= 75:
		return types.QualityGood
	case score >= 60:
		return types.QualityFair
	case score >= 30:
		return types.QualityPoor
	}
	return types.QualityBad
}

// AnalyzeNetworkPath inspects the TTL spread of a batch of samples.
// Routing changes show up as distinct TTL values.
func AnalyzeNetworkPath(samples []types.PingSample) types.PathStability {
	ttls := make(map[int]bool)
	for _, s := range samples {
		if s.Success && s.TTL != nil {
			ttls[*s.TTL] = true
		}
	}

	switch {
	case len(ttls) <= 1:
		return types.PathStable
	case len(ttls) <= 3:
		return types.PathMinorVariations
	}
	return types.PathUnstable
}

func successRTTs(samples []types.PingSample) []float64 {
	rtts := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Success && s.ResponseTime != nil {
			rtts = append(rtts, *s.ResponseTime)
		}
	}
	return rtts
}
