package wire

import "errors"

// ErrShortBuffer is returned by any Decode call when buf is too short to
// contain the header or payload it is being asked to parse.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrUnknownType is returned when decoding a packet whose Type has no
// registered mandatory-header layout.
var ErrUnknownType = errors.New("wire: unknown packet type")
