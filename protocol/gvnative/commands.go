package gvnative

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command mnemonics handled by the server engine. Case is significant:
// the lower-case variants are the by-index forms.
const (
	CmdQueryNames     = "QN"
	CmdQueryDest      = "QD"
	CmdQueryDestIdx   = "Qd"
	CmdQueryAll       = "QJ"
	CmdQueryAllIdx    = "Qj"
	CmdQuerySingle    = "QI"
	CmdQuerySingleIdx = "Qi"
	CmdTakeName       = "TA"
	CmdTakeBitmap     = "TD"
	CmdTakeIndex      = "TI"
	CmdTakeIndexMulti = "TJ"
	CmdBackground     = "BK"
	CmdQueryErrors    = "QE"
	CmdQueryTime      = "QT"
)

// Error codes carried in ER responses.
const (
	ErrCodeOK     = "00"
	ErrCodeSyntax = "01"
	ErrCodeBounds = "02"
)

var (
	ErrBadPrefix = errors.New("body does not start with 'N0'")
	ErrNoCommand = errors.New("body carries no command mnemonic")
	ErrBadIndex  = errors.New("parameter is not a decimal index")
	ErrBadBitmap = errors.New("parameter is not an 8-digit hex bitmap")
)

var bodyPrefix = []byte("N0")

// Command is one decoded protocol body.
type Command struct {
	// Code is everything between 'N0' and the first HT. For commands
	// this is the two-character mnemonic; ER responses carry their
	// comma-joined arguments here ("ER,00,TI").
	Code string

	Params []string
}

// ParseCommand decodes a frame body.
func ParseCommand(body []byte) (Command, error) {
	if !bytes.HasPrefix(body, bodyPrefix) {
		return Command{}, fmt.Errorf("failed to parse %q: %w", body, ErrBadPrefix)
	}

	fields := strings.Split(string(body[2:]), string(HT))
	if fields[0] == "" {
		return Command{}, fmt.Errorf("failed to parse %q: %w", body, ErrNoCommand)
	}

	return Command{Code: fields[0], Params: fields[1:]}, nil
}

// EncodeCommand renders a body from a code and HT-separated parameters.
func EncodeCommand(code string, params ...string) []byte {
	var b bytes.Buffer

	b.Write(bodyPrefix)
	b.WriteString(code)

	for _, p := range params {
		b.WriteByte(HT)
		b.WriteString(p)
	}

	return b.Bytes()
}

// FormatIndex renders a four-digit zero-padded index.
func FormatIndex(i int) string {
	return fmt.Sprintf("%04d", i)
}

// ParseIndex accepts a zero-padded decimal index.
func ParseIndex(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("failed to parse %q: %w", s, ErrBadIndex)
	}

	return n, nil
}

// FormatBitmap renders a level bitmap as eight upper-case hex digits.
// Bit i set means level i is included.
func FormatBitmap(levels uint32) string {
	return fmt.Sprintf("%08X", levels)
}

// ParseBitmap decodes an eight-digit hex level bitmap.
func ParseBitmap(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", s, ErrBadBitmap)
	}

	return uint32(n), nil
}

// BitmapFor returns a bitmap with the single level set.
func BitmapFor(level int) uint32 {
	return 1 << uint(level)
}

// PadName truncates or space-pads to the fixed wire width.
func PadName(name string) string {
	if len(name) > NameWidth {
		return name[:NameWidth]
	}

	for len(name) < NameWidth {
		name += " "
	}

	return name
}

// ReplyCode returns the paired response mnemonic for a query (QN -> NQ,
// Qj -> jQ).
func ReplyCode(code string) string {
	if len(code) != 2 {
		return code
	}

	return string(code[1]) + string(code[0])
}

// ErrResponse renders the comma-joined ER code ("ER,00,TI"). The echoed
// command is omitted when empty.
func ErrResponse(code, cmd string) string {
	if cmd == "" {
		return "ER," + code
	}

	return "ER," + code + "," + cmd
}
