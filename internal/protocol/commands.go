package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxMessageSize bounds an inbound frame.
const MaxMessageSize = 4096

// ErrInvalidMessage wraps every decode and validation failure.
var ErrInvalidMessage = errors.New("protocol: invalid message")

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBase = "https://bingo.local/schemas/"

// Command is one of the client command variants below.
type Command interface {
	CommandType() string
}

type GetRooms struct{}

type GetBalance struct{}

type CheckActiveRound struct{}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type SelectBoard struct {
	RoundID     string `json:"roundId"`
	BoardNumber int    `json:"boardNumber"`
}

// ClaimBingo claims a win. When MarkedNumbers is empty every called number
// counts towards the board.
type ClaimBingo struct {
	RoundID       string `json:"roundId"`
	MarkedNumbers []int  `json:"markedNumbers,omitempty"`
}

type LeaveRound struct {
	RoundID string `json:"roundId"`
}

func (GetRooms) CommandType() string         { return TypeGetRooms }
func (GetBalance) CommandType() string       { return TypeGetBalance }
func (CheckActiveRound) CommandType() string { return TypeCheckActiveRound }
func (JoinRoom) CommandType() string         { return TypeJoinRoom }
func (SelectBoard) CommandType() string      { return TypeSelectBoard }
func (ClaimBingo) CommandType() string       { return TypeClaimBingo }
func (LeaveRound) CommandType() string       { return TypeLeaveRound }

// Request is a validated inbound command with its correlation id.
type Request struct {
	Command   Command
	RequestID string
}

// Decoder validates frames against the embedded schemas and decodes them
// into typed commands.
type Decoder struct {
	envelope *jsonschema.Schema
	data     map[string]*jsonschema.Schema
}

var commandTypes = []string{
	TypeGetRooms, TypeGetBalance, TypeCheckActiveRound,
	TypeJoinRoom, TypeSelectBoard, TypeClaimBingo, TypeLeaveRound,
}

// NewDecoder compiles the embedded schemas.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	compile := func(name string) (*jsonschema.Schema, error) {
		data, err := schemaFiles.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := schemaBase + name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	envelope, err := compile("envelope")
	if err != nil {
		return nil, err
	}
	d := &Decoder{envelope: envelope, data: make(map[string]*jsonschema.Schema, len(commandTypes))}
	for _, t := range commandTypes {
		if d.data[t], err = compile(t); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Decode validates one frame and returns its command.
func (d *Decoder) Decode(frame []byte) (Request, error) {
	if len(frame) > MaxMessageSize {
		return Request{}, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrInvalidMessage, len(frame), MaxMessageSize)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := d.envelope.Validate(doc); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	data := []byte(env.Data)
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	dataDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := d.data[env.Type].Validate(dataDoc); err != nil {
		return Request{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}

	cmd, err := decodeCommand(env.Type, data)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return Request{Command: cmd, RequestID: env.RequestID}, nil
}

func decodeCommand(typ string, data []byte) (Command, error) {
	switch typ {
	case TypeGetRooms:
		return GetRooms{}, nil
	case TypeGetBalance:
		return GetBalance{}, nil
	case TypeCheckActiveRound:
		return CheckActiveRound{}, nil
	case TypeJoinRoom:
		return strict[JoinRoom](data)
	case TypeSelectBoard:
		return strict[SelectBoard](data)
	case TypeClaimBingo:
		return strict[ClaimBingo](data)
	case TypeLeaveRound:
		return strict[LeaveRound](data)
	}
	return nil, fmt.Errorf("unknown type %q", typ)
}

func strict[T Command](data []byte) (Command, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data")
	}
	return v, nil
}
