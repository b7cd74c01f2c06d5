package session

// chunkWindow keeps the most recent raw chunks, dropping whole chunks from
// the front once more than limit are held.
type chunkWindow struct {
	chunks [][]byte
	start  int
	n      int
}

func newChunkWindow(limit int) *chunkWindow {
	if limit <= 0 {
		limit = 100
	}
	return &chunkWindow{chunks: make([][]byte, limit)}
}

func (w *chunkWindow) push(chunk []byte) {
	size := len(w.chunks)
	if w.n < size {
		w.chunks[(w.start+w.n)%size] = chunk
		w.n++
		return
	}
	w.chunks[w.start] = chunk
	w.start = (w.start + 1) % size
}

func (w *chunkWindow) len() int { return w.n }

// snapshot returns the chunks oldest first.
func (w *chunkWindow) snapshot() [][]byte {
	out := make([][]byte, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.chunks[(w.start+i)%len(w.chunks)]
	}
	return out
}
