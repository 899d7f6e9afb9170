package videohub

// This package implements parsing and serialising for the Blackmagic
// VideoHub Ethernet protocol, as spoken by VideoHub routers and by control
// software such as the Videohub Setup utility and Bitfocus Companion.
//
// The protocol is line based and human readable.
//
// === Framing
//
// - the unit of exchange is a *block*
// - a block is a header line, zero or more body lines, and a blank line
// - header lines end in ':' (bare ACK / NAK blocks have no colon)
// - line endings vary across clients ('\n', '\r\n', bare '\r'); they are
//   normalized to '\n' on ingress
//
// === Requests
//
// - `PING:` with an empty body; the server replies `ACK`
// - `VIDEO OUTPUT ROUTING:`, `VIDEO OUTPUT LOCKS:`, `INPUT LABELS:`,
//   `OUTPUT LABELS:`
//   - empty body: a query; the server replies `ACK` then echoes the
//     full section
//   - non-empty body: an update; each line is `<index> <value>`; if at
//     least one entry applies the server replies `ACK` and broadcasts the
//     applied subset to every peer, otherwise it replies `NAK`
// - unknown headers are ignored silently
//
// === Status dump
//
// On accept the server pushes `PROTOCOL PREAMBLE`, `VIDEOHUB DEVICE`,
// `INPUT LABELS`, `OUTPUT LABELS`, `VIDEO OUTPUT ROUTING` and
// `VIDEO OUTPUT LOCKS`. The lock section is rendered per peer: 'O' for a
// lock the receiving connection owns, 'L' for a lock owned by another
// connection, 'U' for unlocked.
//
// === Labels
//
// Labels are free-form UTF-8. The first run of whitespace after the index
// delimits; the remainder, embedded spaces included, is the literal label
// up to the end of line.
