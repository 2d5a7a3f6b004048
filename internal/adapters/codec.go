package adapters

import (
	"fmt"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// clientCodec reads requests from and writes responses to a client.
type clientCodec interface {
	decodeRequest(body []byte) (*Request, error)
	encodeResponse(resp *Response) ([]byte, error)
	newStreamEncoder(model string) streamEncoder
}

// upstreamCodec writes requests to and reads responses from an upstream.
type upstreamCodec interface {
	encodeRequest(req *Request) ([]byte, error)
	decodeResponse(body []byte) (*Response, error)
	newStreamDecoder() streamDecoder
}

func clientCodecFor(f Format) (clientCodec, error) {
	switch f {
	case FormatAnthropic:
		return anthropicCodec{}, nil
	case FormatOpenAIChat:
		return chatCodec{}, nil
	default:
		return nil, fmt.Errorf("format %q cannot be used on the client side", f)
	}
}

func upstreamCodecFor(f Format) (upstreamCodec, error) {
	switch f {
	case FormatAnthropic:
		return anthropicCodec{}, nil
	case FormatOpenAIChat:
		return chatCodec{}, nil
	case FormatOpenAIResponses:
		return responsesCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown upstream format %q", f)
	}
}

// ErrorBody renders a client-visible error in the given format.
func ErrorBody(f Format, status int, message string) []byte {
	switch f {
	case FormatAnthropic:
		return anthropicErrorBody(status, message)
	default:
		return openAIErrorBody(status, message)
	}
}

// ErrorFrame renders a stream-terminating error frame in the given format.
func ErrorFrame(f Format, message string) sse.Frame {
	switch f {
	case FormatAnthropic:
		return anthropicErrorFrame(message)
	case FormatOpenAIResponses:
		return responsesErrorFrame(message)
	default:
		return chatErrorFrame(message)
	}
}
