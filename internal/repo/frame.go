package repo

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/carfile"
	"github.com/northbound-pds/pds/internal/codec"
)

// EncodeCommitFrame renders cd as the firehose wire frame this commit
// produces: canonical-CBOR(header) concatenated with canonical-CBOR
// (payload), pre-built once at commit time so the durable event log
// stores opaque ready-to-send bytes. cd.Blocks must already
// include the MST covering-proof blocks (carfile.CommitFrameBlocks),
// not just the commit's own new blocks, since the CAR embedded in the
// payload is built from exactly cd.Blocks.
func EncodeCommitFrame(cd *CommitData, now time.Time) ([]byte, error) {
	carBytes, err := carfile.EncodeCAR([]cid.Cid{cd.CommitCID}, cd.Blocks)
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit frame car: %w", err)
	}

	ops := make([]any, 0, len(cd.Ops))
	for _, op := range cd.Ops {
		m := map[string]any{
			"action": string(op.Action),
			"path":   op.Path,
		}
		if op.Action == ActionDelete {
			m["cid"] = nil
		} else {
			m["cid"] = op.CID
		}
		if op.Action != ActionCreate {
			m["prev"] = op.Prev
		}
		ops = append(ops, m)
	}

	var since any
	if cd.Since.Defined() {
		since = cd.Since
	}
	var prevData any
	if cd.PrevData.Defined() {
		prevData = cd.PrevData
	}

	header := map[string]any{"op": int64(1), "t": "#commit"}
	payload := map[string]any{
		"repo":     cd.DID,
		"ops":      ops,
		"commit":   cd.CommitCID,
		"blocks":   carBytes,
		"time":     now.UTC().Format(time.RFC3339Nano),
		"seq":      cd.Seq,
		"rev":      codec.TIDFromSeq(cd.Seq),
		"since":    since,
		"rebase":   false,
		"tooBig":   false,
		"blobs":    []any{},
		"prevData": prevData,
	}

	headerBytes, err := codec.Encode(header)
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit frame header: %w", err)
	}
	payloadBytes, err := codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit frame payload: %w", err)
	}
	return append(headerBytes, payloadBytes...), nil
}
