package track

// Ring is a fixed-capacity list of recent entries. When full the oldest entry is
// dropped. Ring is not safe for concurrent use; callers guard it.
type Ring struct {
	buf []Entry
	w   int // next write position
	n   int // entries stored
}

// DefaultRingSize is the number of recent entries kept per station.
const DefaultRingSize = 50

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) Push(e Entry) {
	r.buf[r.w] = e
	r.w = (r.w + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *Ring) Len() int { return r.n }

func (r *Ring) Cap() int { return len(r.buf) }

// List returns a copy of the stored entries, newest first.
func (r *Ring) List() []Entry {
	out := make([]Entry, 0, r.n)
	for i := 1; i <= r.n; i++ {
		idx := (r.w - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
