package videohub

import (
	"bytes"
	"fmt"
)

// Device carries the fields of the VIDEOHUB DEVICE status block.
type Device struct {
	ModelName    string
	FriendlyName string
	UniqueID     string
	Inputs       int
	Outputs      int
}

// Route is one `<dest> <src>` routing body line.
type Route struct {
	Dest int
	Src  int
}

// Lock is one `<dest> <state>` lock body line.
type Lock struct {
	Dest  int
	State byte
}

func EncodeAck() []byte { return []byte("ACK\n\n") }
func EncodeNak() []byte { return []byte("NAK\n\n") }

// EncodeBlock renders a header and body lines as one framed block.
func EncodeBlock(header string, body ...string) []byte {
	var b bytes.Buffer

	b.WriteString(header)
	b.WriteByte(':')
	b.WriteByte('\n')

	for _, line := range body {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')

	return b.Bytes()
}

func EncodePreamble() []byte {
	return EncodeBlock(HeaderPreamble, "Version: "+ProtocolVersion)
}

func EncodeDevice(dev Device) []byte {
	return EncodeBlock(HeaderDevice,
		"Device present: true",
		"Model name: "+dev.ModelName,
		"Friendly name: "+dev.FriendlyName,
		"Unique ID: "+dev.UniqueID,
		fmt.Sprintf("Video inputs: %d", dev.Inputs),
		"Video processing units: 0",
		fmt.Sprintf("Video outputs: %d", dev.Outputs),
		"Video monitoring outputs: 0",
		"Serial ports: 0",
	)
}

// EncodeLabels renders a full label section, one line per index.
func EncodeLabels(header string, labels []string) []byte {
	body := make([]string, len(labels))
	for i, label := range labels {
		body[i] = fmt.Sprintf("%d %s", i, label)
	}

	return EncodeBlock(header, body...)
}

// EncodeLabelEntries renders a partial label section.
func EncodeLabelEntries(header string, entries []Entry) []byte {
	body := make([]string, len(entries))
	for i, e := range entries {
		body[i] = fmt.Sprintf("%d %s", e.Index, e.Value)
	}

	return EncodeBlock(header, body...)
}

// EncodeRoutingTable renders the full VIDEO OUTPUT ROUTING section from a
// dest-indexed source table.
func EncodeRoutingTable(routes []int) []byte {
	body := make([]string, len(routes))
	for d, s := range routes {
		body[d] = fmt.Sprintf("%d %d", d, s)
	}

	return EncodeBlock(HeaderRouting, body...)
}

// EncodeRoutes renders a partial VIDEO OUTPUT ROUTING section.
func EncodeRoutes(routes []Route) []byte {
	body := make([]string, len(routes))
	for i, r := range routes {
		body[i] = fmt.Sprintf("%d %d", r.Dest, r.Src)
	}

	return EncodeBlock(HeaderRouting, body...)
}

// EncodeLockTable renders the full VIDEO OUTPUT LOCKS section from a
// dest-indexed view column.
func EncodeLockTable(views []byte) []byte {
	body := make([]string, len(views))
	for d, v := range views {
		body[d] = fmt.Sprintf("%d %c", d, v)
	}

	return EncodeBlock(HeaderLocks, body...)
}

// EncodeLocks renders a partial VIDEO OUTPUT LOCKS section.
func EncodeLocks(locks []Lock) []byte {
	body := make([]string, len(locks))
	for i, l := range locks {
		body[i] = fmt.Sprintf("%d %c", l.Dest, l.State)
	}

	return EncodeBlock(HeaderLocks, body...)
}
