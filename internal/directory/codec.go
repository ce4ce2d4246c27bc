package directory

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	// Keep sub-second precision on registeredAt/lastSeenAt.
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("directory: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("directory: cbor decoder: " + err.Error())
	}
}

func encode(d Directory) ([]byte, error) {
	b, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode directory: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Directory, error) {
	d := Directory{}
	if len(b) == 0 {
		return d, nil
	}
	if err := decMode.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	if d == nil {
		d = Directory{}
	}
	return d, nil
}
