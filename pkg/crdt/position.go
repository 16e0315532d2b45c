package crdt

import "fmt"

// List positions are dense fractional keys over this alphabet, ordered by
// byte value. A key never ends with the smallest digit, so a new key can
// always be generated after any existing one.
const posDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// PosBetween returns a position key strictly between a and b. The empty
// string stands for the list's virtual head when passed as a, and for the
// virtual tail when passed as b. Two replicas inserting between the same
// neighbours concurrently will generate the same key; their elements are
// then ordered by insertion timestamp.
func PosBetween(a, b string) (string, error) {
	if b != "" && a >= b {
		return "", fmt.Errorf("position bounds out of order: %q >= %q", a, b)
	}
	base := len(posDigits)
	prefix := make([]byte, 0, len(a)+2)
	trackA, trackB := true, true
	for i := 0; ; i++ {
		lo := 0
		if trackA && i < len(a) {
			lo = digitIndex(a[i])
		} else {
			trackA = false
		}
		hi := base
		if trackB && b != "" && i < len(b) {
			hi = digitIndex(b[i])
		} else {
			trackB = false
		}
		if hi-lo > 1 {
			mid := lo + (hi-lo)/2
			return string(append(prefix, posDigits[mid])), nil
		}
		// Digits are equal or adjacent: keep the lower digit and descend.
		// Once the bounds diverge the upper bound becomes open.
		prefix = append(prefix, posDigits[lo])
		if hi-lo == 1 {
			trackB = false
		}
	}
}

func digitIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return 10 + int(c-'A')
	case c >= 'a' && c <= 'z':
		return 36 + int(c-'a')
	}
	return 0
}
