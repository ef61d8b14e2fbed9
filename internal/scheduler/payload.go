package scheduler

import "strconv"

// Encode returns the payload for counter value v: its decimal form as UTF-8.
func Encode(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 10, 64)
}

// Payloads returns the n payloads that follow counter value last, i.e.
// last+1 … last+n in ascending order.
func Payloads(last uint64, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = Encode(last + uint64(i) + 1)
	}
	return out
}
