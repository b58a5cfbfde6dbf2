package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrUnknownMessage is returned when a frame carries an unrecognised or empty variant.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrEncode wraps every failure to serialise an outgoing message.
	ErrEncode = errors.New("encode message")
)

// envelope is the on-wire shape of a message: the tag plus exactly one populated body.
type envelope struct {
	Type              MessageType        `json:"type"`
	PortAssignment    *PortAssignment    `json:"port_assignment,omitempty"`
	Heartbeat         *Heartbeat         `json:"heartbeat,omitempty"`
	HeartbeatResponse *HeartbeatResponse `json:"heartbeat_response,omitempty"`
	TaskAssignment    *TaskAssignment    `json:"task_assignment,omitempty"`
	TaskCompletion    *TaskCompletion    `json:"task_completion,omitempty"`
	NodeInfo          *NodeInfo          `json:"node_info,omitempty"`
}

// Encode serialises a message into frame payload bytes.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, ErrUnknownMessage)
	}

	env := envelope{Type: msg.Type()}
	switch m := msg.(type) {
	case *PortAssignment:
		env.PortAssignment = m
	case *Heartbeat:
		env.Heartbeat = m
	case *HeartbeatResponse:
		env.HeartbeatResponse = m
	case *TaskAssignment:
		env.TaskAssignment = m
	case *TaskCompletion:
		env.TaskCompletion = m
	case *NodeInfo:
		env.NodeInfo = m
	default:
		return nil, fmt.Errorf("%w %T: %w", ErrEncode, msg, ErrUnknownMessage)
	}

	data, err := sonic.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrEncode, env.Type, err)
	}
	return data, nil
}

// CheckFrameSize encodes msg and reports ErrFrameTooLarge when the result would
// not fit in a single frame.
func CheckFrameSize(msg Message) error {
	_, err := encodeFrame(msg)
	return err
}

func encodeFrame(msg Message) ([]byte, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%s of %d bytes: %w", msg.Type(), len(data), ErrFrameTooLarge)
	}
	return data, nil
}

// IsMessageError reports whether err comes from the message itself rather than
// the peer. Sending the same message again fails the same way.
func IsMessageError(err error) bool {
	return errors.Is(err, ErrEncode) || errors.Is(err, ErrFrameTooLarge)
}

// Decode parses frame payload bytes back into a message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypePortAssignment:
		if env.PortAssignment != nil {
			msg = env.PortAssignment
		}
	case TypeHeartbeat:
		if env.Heartbeat != nil {
			msg = env.Heartbeat
		}
	case TypeHeartbeatResponse:
		if env.HeartbeatResponse != nil {
			msg = env.HeartbeatResponse
		}
	case TypeTaskAssignment:
		if env.TaskAssignment != nil {
			msg = env.TaskAssignment
		}
	case TypeTaskCompletion:
		if env.TaskCompletion != nil {
			msg = env.TaskCompletion
		}
	case TypeNodeInfo:
		if env.NodeInfo != nil {
			msg = env.NodeInfo
		}
	}

	if msg == nil {
		return nil, fmt.Errorf("decode %q: %w", env.Type, ErrUnknownMessage)
	}
	return msg, nil
}
