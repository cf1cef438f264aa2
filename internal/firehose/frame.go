package firehose

import (
	"fmt"

	"github.com/northbound-pds/pds/internal/codec"
)

// ErrFutureCursor mirrors spec's FutureCursor error kind: a subscribe
// cursor ahead of the current last seq. It is never returned from
// Subscribe directly (the protocol delivers it as a terminal wire
// frame, per spec §4.6 step 3); nothing in this package returns or
// logs it.
var ErrFutureCursor = fmt.Errorf("firehose: cursor ahead of last seq")

// encodeHeaderPayload renders header+payload as the wire frame format:
// canonical-CBOR(header) concatenated with canonical-CBOR(payload).
func encodeHeaderPayload(header, payload map[string]any) ([]byte, error) {
	h, err := codec.Encode(header)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode frame header: %w", err)
	}
	p, err := codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode frame payload: %w", err)
	}
	return append(h, p...), nil
}

// errorFrameBytes builds a terminal error frame: {op:-1}, {error, message}.
func errorFrameBytes(errKind, message string) []byte {
	data, err := encodeHeaderPayload(
		map[string]any{"op": int64(-1)},
		map[string]any{"error": errKind, "message": message},
	)
	if err != nil {
		// encodeHeaderPayload only fails on encoder bugs with static
		// input shapes; there is nothing a caller can do to recover,
		// so fall back to an empty frame rather than panic.
		return nil
	}
	return data
}

// infoFrameBytes builds an informational preamble frame: {op:1, t:"#info"}, {name}.
func infoFrameBytes(name string) []byte {
	data, err := encodeHeaderPayload(
		map[string]any{"op": int64(1), "t": "#info"},
		map[string]any{"name": name},
	)
	if err != nil {
		return nil
	}
	return data
}

// EncodeLifecycleFrame builds a non-commit firehose frame (#identity,
// #account, #sync, #tombstone) with the `$type` tag rewritten to its
// short form in the header, per spec §4.6 "Non-commit events pass
// through essentially verbatim, with the $type tag rewritten...". Used
// by internal/repohost to build the eventData bytes for lifecycle
// events before calling blockstore.Store.TombstoneRepo and friends.
func EncodeLifecycleFrame(shortType string, payload map[string]any) ([]byte, error) {
	return encodeHeaderPayload(
		map[string]any{"op": int64(1), "t": shortType},
		payload,
	)
}
