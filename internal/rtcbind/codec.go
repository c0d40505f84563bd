package rtcbind

import (
	"image"

	"github.com/pion/webrtc/v4"

	"github.com/aurelabs/assay/internal/frameio"
)

// mimeTypeJPEG is RTP payload type 26 (RFC 3551), carried here as whole
// frames with marker-bit framing rather than RFC 2435 fragments.
const mimeTypeJPEG = "video/JPEG"

// SampleCodec turns reassembled media samples into images and back.
// Injecting it keeps the peer connection plumbing independent of the
// negotiated payload format.
type SampleCodec interface {
	// Capability is the codec offered during negotiation.
	Capability() webrtc.RTPCodecCapability
	// PayloadType is the RTP payload type registered for the codec.
	PayloadType() webrtc.PayloadType
	// Decode converts one reassembled sample into a normalized image.
	Decode(data []byte) (*image.RGBA, error)
	// Encode converts an annotated image back into one outbound sample.
	Encode(img image.Image) ([]byte, error)
}

// JPEGSampleCodec carries complete JPEG images per sample. Each sample
// is the concatenation of packet payloads up to the marker bit.
type JPEGSampleCodec struct {
	Frames frameio.Codec
}

func (c JPEGSampleCodec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: mimeTypeJPEG, ClockRate: 90000}
}

func (c JPEGSampleCodec) PayloadType() webrtc.PayloadType { return 26 }

func (c JPEGSampleCodec) Decode(data []byte) (*image.RGBA, error) {
	return c.Frames.Decode(data)
}

func (c JPEGSampleCodec) Encode(img image.Image) ([]byte, error) {
	return c.Frames.Encode(img)
}

// passthroughDepacketizer hands packet payloads to the sample builder
// unchanged. Frame boundaries come from the RTP marker bit.
type passthroughDepacketizer struct{}

func (passthroughDepacketizer) Unmarshal(packet []byte) ([]byte, error) { return packet, nil }

func (passthroughDepacketizer) IsPartitionHead(payload []byte) bool { return true }

func (passthroughDepacketizer) IsPartitionTail(marker bool, payload []byte) bool { return marker }
