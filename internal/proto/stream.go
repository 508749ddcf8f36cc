package proto

import (
	"fmt"
	"io"
)

// ReadAllCapped reads r until EOF and fails once more than max bytes
// arrive. The sender signals the end of a message by finishing its stream.
func ReadAllCapped(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("invalid read cap %d", max)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > max {
		return nil, fmt.Errorf("%w: stream exceeds %d bytes", ErrTooLarge, max)
	}
	return data, nil
}
