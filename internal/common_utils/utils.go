package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the numeric id of the calling goroutine, or -1 if it cannot
// be determined. It parses the first line of runtime.Stack, which looks
// like "goroutine 123 [running]:".
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
