package swp08

// This package implements parsing and serialising for the SW-P-08 (Probel
// / Snell general switcher) router control protocol.
//
// === Framing
//
//   DLE STX <payload, DLE-stuffed> DLE ETX
//
// Any DLE (0x10) byte inside the payload is escaped by doubling. The
// payload is
//
//   <message bytes> <BTC> <CHK>
//
// where BTC is the count of message bytes and CHK is the two's complement
// of the sum of (message bytes || BTC) modulo 256. A receiver acknowledges
// a well-formed frame with DLE ACK (0x10 0x06) and answers a checksum
// failure with DLE NAK (0x10 0x15).
//
// Some controllers emit a BTC that disagrees with the actual message
// length while still computing the checksum over the bytes as transmitted.
// The checksum is therefore verified strictly and the BTC leniently: a
// mismatch is surfaced on the decoded frame for logging but does not
// reject it.
//
// === Addressing
//
// Standard messages address a 10-bit space through a multiplier byte
// carrying dest-high in bits 4-6 and src-high in bits 0-2, followed by
// 7-bit low bytes. Extended messages (opcode | 0x80) carry 16-bit
// big-endian addresses.
//
// === Messages
//
//   0x01 / 0x81  crosspoint interrogate
//   0x02 / 0x82  crosspoint connect
//   0x03 / 0x83  crosspoint tally
//   0x04 / 0x84  crosspoint connected
//   0x15 / 0x95  tally dump request
//   0x64 / 0xE4  source name request
//   0x66 / 0xE6  dest name request
//   0x6A / 0xEA  source name response
//   0x6B / 0xEB  dest name response
//
// Names travel at a fixed width selected by a character-length index:
// 0, 1, 2 select 4, 8, 12 characters, space padded.
