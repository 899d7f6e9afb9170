package gvnative

// This package implements parsing and serialising for the Grass Valley
// Native Series 7000 router control protocol.
//
// === Framing
//
//   SOH (0x01) <body> <checksum as two ASCII hex digits> EOT (0x04)
//
// The checksum is (256 - sum(body) mod 256) mod 256, rendered upper-case.
// Real control software tolerates checksum mismatches on receive (the
// reference servers log a warning and dispatch anyway), so the framer
// reports validity instead of dropping the frame.
//
// === Body
//
//   'N' '0' <CC> [HT <P1> HT <P2> ...]
//
// CC is a two-character command mnemonic, case sensitive ('QJ' and 'Qj'
// differ). Parameters are separated by HT (0x09). Responses use the
// paired reversed mnemonic (QN -> NQ, QJ -> JQ); takes are acknowledged
// with `ER,00,<CC>` and bulk queries append a trailing `ER,00` while echo
// mode is on.
//
// Indices travel as four-digit zero-padded decimal. Level selections
// travel as a 32-bit bitmap rendered as eight upper-case hex digits, bit i
// set meaning level i is included. Names are eight characters, space
// padded.
