package upgrader

import (
	"io"

	"github.com/multiformats/go-multistream"
)

// newProtocolTable builds the responder table for ids. Only the protocol
// names matter; the upgrader takes over the stream after selection.
func newProtocolTable(ids []string) *multistream.MultistreamMuxer[string] {
	table := multistream.NewMultistreamMuxer[string]()
	for _, id := range ids {
		table.AddHandler(id, nil)
	}
	return table
}

// negotiateProtocol runs the multistream-select initiator for outbound
// connections, proposing ids in order, and answers from table for inbound
// ones. Both sides end on the first of the initiator's ids the responder
// supports.
func negotiateProtocol(rwc io.ReadWriteCloser, dir Direction, ids []string, table *multistream.MultistreamMuxer[string]) (string, error) {
	if dir == DirOutbound {
		return multistream.SelectOneOf(ids, rwc)
	}
	proto, _, err := table.Negotiate(rwc)
	return proto, err
}
