package types

const (
	// meanListCapacity is the number of condensed samples retained per series.
	meanListCapacity = 20

	// maxTicksPerMean bounds how many raw samples fold into a single retained
	// mean. Once reached the oldest mean is dropped instead of condensing
	// further.
	maxTicksPerMean = 32
)

// MeanList is a rolling series of samples with a fixed memory footprint.
// Raw samples are averaged in groups; whenever the retained buffer fills up,
// adjacent pairs are averaged together and the group size doubles, so the
// list covers an ever longer time window at decreasing resolution.
type MeanList struct {
	means        []float64
	ticksPerMean int
	pendingSum   float64
	pendingTicks int
}

// NewMeanList returns an empty list.
func NewMeanList() *MeanList {
	return &MeanList{
		means:        make([]float64, 0, meanListCapacity),
		ticksPerMean: 1,
	}
}

// Push adds a raw sample to the series.
func (l *MeanList) Push(v float64) {
	l.pendingSum += v
	l.pendingTicks++

	if l.pendingTicks == l.ticksPerMean {
		l.pushMean(l.pendingSum / float64(l.pendingTicks))
		l.pendingSum = 0
		l.pendingTicks = 0
	}
}

func (l *MeanList) pushMean(mean float64) {
	if len(l.means) == meanListCapacity {
		if l.ticksPerMean < maxTicksPerMean {
			l.squash()
		} else {
			copy(l.means, l.means[1:])
			l.means = l.means[:meanListCapacity-1]
		}
	}

	l.means = append(l.means, mean)
}

// squash halves the buffer by averaging adjacent pairs and doubles the
// number of raw samples folded into each future mean.
func (l *MeanList) squash() {
	half := len(l.means) / 2
	for i := 0; i < half; i++ {
		l.means[i] = (l.means[i*2] + l.means[i*2+1]) / 2
	}
	l.means = l.means[:half]
	l.ticksPerMean *= 2
}

// Slice returns the retained means, oldest first. The returned slice is
// owned by the list and must not be mutated.
func (l *MeanList) Slice() []float64 {
	return l.means
}
