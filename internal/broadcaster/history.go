package broadcaster

// history is a fixed-capacity FIFO ring of the most recent messages of one
// source. It is only touched while the broadcaster mutex is held.
type history struct {
	items []Message
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 0 {
		capacity = 0
	}

	return &history{
		items: make([]Message, capacity),
	}
}

func (h *history) push(message Message) {
	capacity := len(h.items)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		h.items[(h.start+h.size)%capacity] = message
		h.size++

		return
	}

	h.items[h.start] = message
	h.start = (h.start + 1) % capacity
}

// snapshot returns the buffered messages, oldest first.
func (h *history) snapshot() []Message {
	out := make([]Message, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.items[(h.start+i)%len(h.items)]
	}

	return out
}
