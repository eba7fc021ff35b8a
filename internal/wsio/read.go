// Package wsio reads websocket data messages while answering control frames
// through a caller-supplied writer, so that pong and close replies share the
// caller's write lock instead of racing its other writes.
package wsio

import (
	"io"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// MaxMessageBytes caps a single frame's payload.
const MaxMessageBytes = 64 << 10

// ReadData returns the payload of the next text or binary message on src.
// Control frames met on the way are answered on dst. onFrame, if not nil, is
// called for every frame received, control frames included. A close frame
// ends the read with a wsutil.ClosedError.
func ReadData(src io.Reader, dst io.Writer, state ws.State, onFrame func()) ([]byte, error) {
	control := func(hdr ws.Header, r io.Reader) error {
		if onFrame != nil {
			onFrame()
		}
		h := wsutil.ControlHandler{
			Src:                 r,
			Dst:                 dst,
			State:               state,
			DisableSrcCiphering: true,
		}
		return h.Handle(hdr)
	}

	rd := wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		MaxFrameSize:   MaxMessageBytes,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if onFrame != nil {
			onFrame()
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}
