package uthread

// quantileEstimator is a streaming P-Square (Jain & Chlamtac, 1985) estimator
// of a single quantile, using five markers. Updates and reads are O(1).
//
// Not safe for concurrent use.
type quantileEstimator struct {
	p     float64
	q     [5]float64 // marker heights
	n     [5]int     // marker positions
	np    [5]float64 // desired positions
	dn    [5]float64 // desired position increments
	first [5]float64 // observations prior to initialization
	count int
}

func newQuantileEstimator(p float64) *quantileEstimator {
	p = min(max(p, 0), 1)
	return &quantileEstimator{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (e *quantileEstimator) update(x float64) {
	e.count++
	if e.count <= 5 {
		e.first[e.count-1] = x
		if e.count == 5 {
			e.init()
		}
		return
	}

	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
		k = 0
	case x >= e.q[4]:
		e.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.q[k] <= x && x < e.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := range e.np {
		e.np[i] += e.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := e.np[i] - float64(e.n[i])
		if (d < 1 || e.n[i+1]-e.n[i] <= 1) && (d > -1 || e.n[i-1]-e.n[i] >= -1) {
			continue
		}
		sign := 1
		if d < 0 {
			sign = -1
		}
		if v := e.parabolic(i, sign); e.q[i-1] < v && v < e.q[i+1] {
			e.q[i] = v
		} else {
			e.q[i] = e.linear(i, sign)
		}
		e.n[i] += sign
	}
}

func (e *quantileEstimator) init() {
	sortSmall(e.first[:])
	for i := range e.q {
		e.q[i] = e.first[i]
		e.n[i] = i
	}
	e.np = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

func (e *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni, prev, next := float64(e.n[i]), float64(e.n[i-1]), float64(e.n[i+1])
	return e.q[i] + df/(next-prev)*
		((ni-prev+df)*(e.q[i+1]-e.q[i])/(next-ni)+
			(next-ni-df)*(e.q[i]-e.q[i-1])/(ni-prev))
}

func (e *quantileEstimator) linear(i, d int) float64 {
	return e.q[i] + float64(d)*(e.q[i+d]-e.q[i])/float64(e.n[i+d]-e.n[i])
}

func (e *quantileEstimator) value() float64 {
	switch {
	case e.count == 0:
		return 0
	case e.count < 5:
		s := make([]float64, e.count)
		copy(s, e.first[:e.count])
		sortSmall(s)
		return s[min(int(float64(e.count-1)*e.p), e.count-1)]
	default:
		return e.q[2]
	}
}

// insertion sort
func sortSmall(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
