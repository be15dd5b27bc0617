package storage

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/ring"
)

// Archived slots are stored as deterministic CBOR compressed with zstd.
var (
	slotEncMode cbor.EncMode
	slotDecMode cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano

	var err error
	if slotEncMode, err = encOpts.EncMode(); err != nil {
		panic(err)
	}
	if slotDecMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// EncodeSlot serialises a slot for the archive tier.
func EncodeSlot(slot ring.Slot) ([]byte, error) {
	raw, err := slotEncMode.Marshal(slot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode slot")
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeSlot reverses EncodeSlot.
func DecodeSlot(payload []byte) (ring.Slot, error) {
	var slot ring.Slot

	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return slot, errors.Wrap(err, "failed to decompress slot")
	}
	if err := slotDecMode.Unmarshal(raw, &slot); err != nil {
		return slot, errors.Wrap(err, "failed to decode slot")
	}
	return slot, nil
}
