package locate

// Trail is a circular buffer of detection points. It is not safe for
// concurrent use; the owning session guards it.
type Trail struct {
	buf   []DetectionPoint
	pos   int
	count int
}

// NewTrail creates a trail holding at most capacity points.
func NewTrail(capacity int) *Trail {
	if capacity < 1 {
		capacity = 1
	}
	return &Trail{
		buf: make([]DetectionPoint, capacity),
	}
}

// Append adds a point, overwriting the oldest one when full.
func (t *Trail) Append(p DetectionPoint) {
	t.buf[t.pos] = p
	t.pos = (t.pos + 1) % len(t.buf)
	if t.count < len(t.buf) {
		t.count++
	}
}

// Points returns all stored points, oldest first.
func (t *Trail) Points() []DetectionPoint {
	result := make([]DetectionPoint, t.count)
	if t.count < len(t.buf) {
		copy(result, t.buf[:t.count])
	} else {
		n := copy(result, t.buf[t.pos:])
		copy(result[n:], t.buf[:t.pos])
	}
	return result
}

// GPSPoints returns the points that carry a position, oldest first.
func (t *Trail) GPSPoints() []DetectionPoint {
	var result []DetectionPoint
	for _, p := range t.Points() {
		if p.HasGPS() {
			result = append(result, p)
		}
	}
	if result == nil {
		result = []DetectionPoint{}
	}
	return result
}

// GPSCount returns how many stored points carry a position.
func (t *Trail) GPSCount() int {
	n := 0
	for i := 0; i < t.count; i++ {
		if t.buf[i].HasGPS() {
			n++
		}
	}
	return n
}

// Latest returns the most recent point.
func (t *Trail) Latest() (DetectionPoint, bool) {
	if t.count == 0 {
		return DetectionPoint{}, false
	}
	idx := (t.pos - 1 + len(t.buf)) % len(t.buf)
	return t.buf[idx], true
}

// Len returns the number of stored points.
func (t *Trail) Len() int {
	return t.count
}

// Cap returns the trail capacity.
func (t *Trail) Cap() int {
	return len(t.buf)
}

// Clear removes all points.
func (t *Trail) Clear() {
	clear(t.buf)
	t.pos = 0
	t.count = 0
}
