package domain

// messageRing is a fixed-capacity ring buffer of messages. Appending beyond
// capacity evicts the oldest entry in O(1); no element shifting.
type messageRing struct {
	buf   []*Message
	head  int // index of the oldest element
	count int
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &messageRing{buf: make([]*Message, capacity)}
}

func (r *messageRing) append(m *Message) {
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = m
	if r.count < len(r.buf) {
		r.count++
		return
	}
	// Full: tail overwrote the oldest element.
	r.head = (r.head + 1) % len(r.buf)
}

func (r *messageRing) len() int {
	return r.count
}

// last returns up to n messages, oldest first, most-recent-last.
func (r *messageRing) last(n int) []*Message {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]*Message, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// find returns the stored message with the given id, or nil.
func (r *messageRing) find(id string) *Message {
	for i := 0; i < r.count; i++ {
		m := r.buf[(r.head+i)%len(r.buf)]
		if m.ID == id {
			return m
		}
	}
	return nil
}
