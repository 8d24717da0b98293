package presence

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var ErrUnknownFrame = errors.New("unknown presence frame kind")

// Frame is the unit written to a presence connection: a kind tag and
// the CBOR body of the matching Event or Request.
type Frame struct {
	Kind string          `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("presence: cbor encoder init failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("presence: cbor decoder init failed: " + err.Error())
	}
}

func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func NewDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }

func EncodeEvent(ev Event) (Frame, error) {
	body, err := encMode.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	return Frame{Kind: string(ev.Kind()), Body: body}, nil
}

func DecodeEvent(f Frame) (Event, error) {
	switch EventKind(f.Kind) {
	case KindOnlineUsers:
		return decodeEvent[OnlineUsers](f)
	case KindUserJoined:
		return decodeEvent[UserJoined](f)
	case KindUserLeft:
		return decodeEvent[UserLeft](f)
	case KindNewMessage:
		return decodeEvent[NewMessage](f)
	case KindPrivateMessage:
		return decodeEvent[PrivateMessage](f)
	case KindTyping:
		return decodeEvent[Typing](f)
	case KindKicked:
		return decodeEvent[Kicked](f)
	case KindRoomJoined:
		return decodeEvent[RoomJoined](f)
	case KindUserJoinedRoom:
		return decodeEvent[UserJoinedRoom](f)
	case KindUserLeftRoom:
		return decodeEvent[UserLeftRoom](f)
	case KindRoomCreated:
		return decodeEvent[RoomCreated](f)
	case KindRoomDeleted:
		return decodeEvent[RoomDeleted](f)
	case KindRoomUserCountUpdated:
		return decodeEvent[RoomUserCountUpdated](f)
	}
	return nil, fmt.Errorf("%w: event %q", ErrUnknownFrame, f.Kind)
}

func EncodeRequest(req Request) (Frame, error) {
	body, err := encMode.Marshal(req)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s request: %w", req.RequestKind(), err)
	}
	return Frame{Kind: string(req.RequestKind()), Body: body}, nil
}

func DecodeRequest(f Frame) (Request, error) {
	switch RequestKind(f.Kind) {
	case RequestHello:
		return decodeRequest[Hello](f)
	case RequestSnapshot:
		return Snapshot{}, nil
	case RequestJoinRoom:
		return decodeRequest[JoinRoom](f)
	case RequestSendMessage:
		return decodeRequest[SendMessage](f)
	case RequestTyping:
		return decodeRequest[SetTyping](f)
	case RequestPrivate:
		return decodeRequest[SendPrivate](f)
	}
	return nil, fmt.Errorf("%w: request %q", ErrUnknownFrame, f.Kind)
}

func decodeEvent[T Event](f Frame) (Event, error) {
	var v T
	if err := decMode.Unmarshal(f.Body, &v); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", f.Kind, err)
	}
	return v, nil
}

func decodeRequest[T Request](f Frame) (Request, error) {
	var v T
	if err := decMode.Unmarshal(f.Body, &v); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", f.Kind, err)
	}
	return v, nil
}
