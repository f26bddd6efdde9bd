package protocol

// Wire limits. A response is a 4-byte code followed by at most
// MaxResponseInfo bytes of text.
const (
	MaxCommandLen   = 64
	MaxResponseLen  = 64
	MaxResponseInfo = MaxResponseLen - 4
	ChunkSize       = 4096
)

// Code is the 4-byte response prefix.
type Code string

const (
	CodeOkay Code = "OKAY"
	CodeFail Code = "FAIL"
	CodeData Code = "DATA"
	CodeInfo Code = "INFO"
)

// Exchange is the part of a live session a command handler may use.
//
// A handler must call exactly one of Okay or Fail. Info may be called any
// number of times before that. Receive runs the download data phase and
// acknowledges on its own.
type Exchange interface {
	Okay(info string)
	Fail(reason string)
	Info(msg string)
	Receive(size uint32)
}

// Handler runs one command. arg is the command line with the matched
// prefix removed; payload is the result of the last download.
type Handler func(x Exchange, arg string, payload Payload)
