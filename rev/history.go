package rev

// Overlap reports whether a lines up with a suffix of b: for some offset i
// into b, the first min(len(a), len(b)-i) entries of a equal b[i:]. Both
// chains are newest first, so Overlap(local, remote) holds when the local
// chain is an ancestor of (or equal to) the remote one. The test is
// directional.
func Overlap(a, b []ID) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for i := range b {
		if b[i] != a[0] {
			continue
		}
		n := min(len(a), len(b)-i)
		match := true
		for j := 1; j < n; j++ {
			if a[j] != b[i+j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Truncate bounds a history, dropping the oldest entries.
func Truncate(h []ID, max int) []ID {
	if max < 0 {
		max = 0
	}
	if len(h) > max {
		return h[:max]
	}
	return h
}

func Index(h []ID, id ID) int {
	for i := range h {
		if h[i] == id {
			return i
		}
	}
	return -1
}

func Contains(h []ID, id ID) bool {
	return Index(h, id) >= 0
}
