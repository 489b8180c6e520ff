package broadcast

// History is a fixed-capacity FIFO of recent lines.
// It is not goroutine-safe, the Registry serializes every access to it.
type History struct {
	lines []string
	// start is the index of the oldest line in lines.
	start int
	n     int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{lines: make([]string, capacity)}
}

// Add appends a line, evicting the oldest line first if the history is full.
func (h *History) Add(line string) {
	if h.n == len(h.lines) {
		h.lines[h.start] = line
		h.start = (h.start + 1) % len(h.lines)
		return
	}
	h.lines[(h.start+h.n)%len(h.lines)] = line
	h.n++
}

func (h *History) Clear() {
	for i := range h.lines {
		h.lines[i] = ""
	}
	h.start = 0
	h.n = 0
}

// Snapshot returns a copy of the lines, oldest first.
func (h *History) Snapshot() []string {
	out := make([]string, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.lines[(h.start+i)%len(h.lines)]
	}
	return out
}

func (h *History) Len() int { return h.n }

func (h *History) Cap() int { return len(h.lines) }
