package protocol

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Minami189/QuizWebSocket/internal/errors"
)

type Action string

// Inbound actions.
const (
	ActionCreate       Action = "create"
	ActionJoin         Action = "join"
	ActionStartSession Action = "startSession"
	ActionReconnect    Action = "reconnect"
	ActionDeleteRoom   Action = "deleteRoom"
	ActionLeaveRoom    Action = "leaveRoom"
	ActionFinishQuiz   Action = "finishQuiz"
	ActionMessage      Action = "message"
)

// ErrMalformed is returned for payloads that are not an {action, body} envelope.
var ErrMalformed = stderrors.New("protocol: malformed message")

// Request is a decoded inbound message. The concrete type tells the action.
type Request interface {
	Action() Action
}

type Create struct {
	UserEmail string
	Quiz      json.RawMessage
}

type Join struct {
	RoomCode  string
	UserEmail string
	Username  string
}

type StartSession struct {
	RoomCode string
	// TimerSeconds is nil when the client sent no usable number.
	TimerSeconds *float64
}

type Reconnect struct {
	RoomCode  string
	UserEmail string
}

type DeleteRoom struct {
	RoomCode string
}

type LeaveRoom struct{}

type FinishQuiz struct {
	RoomCode  string
	UserEmail string
	Score     decimal.Decimal
}

// Message is relayed to the room unchanged.
type Message struct {
	Body json.RawMessage
}

// Unknown is any action this server does not recognise.
type Unknown struct {
	Name string
}

func (Create) Action() Action       { return ActionCreate }
func (Join) Action() Action         { return ActionJoin }
func (StartSession) Action() Action { return ActionStartSession }
func (Reconnect) Action() Action    { return ActionReconnect }
func (DeleteRoom) Action() Action   { return ActionDeleteRoom }
func (LeaveRoom) Action() Action    { return ActionLeaveRoom }
func (FinishQuiz) Action() Action   { return ActionFinishQuiz }
func (Message) Action() Action      { return ActionMessage }
func (u Unknown) Action() Action    { return Action(u.Name) }

type envelope struct {
	Action *string         `json:"action"`
	Body   json.RawMessage `json:"body"`
}

// Decode parses an inbound message.
//
// It returns an error wrapping ErrMalformed when b is not an envelope at all,
// and an *errors.Error when the action is recognised but its body is invalid.
// Unrecognised actions decode to Unknown without error.
func Decode(b []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Action == nil {
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}

	action := Action(*env.Action)
	switch action {
	case ActionCreate:
		return decodeCreate(env.Body)
	case ActionJoin:
		return decodeJoin(env.Body)
	case ActionStartSession:
		return decodeStartSession(env.Body)
	case ActionReconnect:
		return decodeReconnect(env.Body)
	case ActionDeleteRoom:
		return decodeDeleteRoom(env.Body)
	case ActionLeaveRoom:
		return LeaveRoom{}, nil
	case ActionFinishQuiz:
		return decodeFinishQuiz(env.Body)
	case ActionMessage:
		return Message{Body: env.Body}, nil
	default:
		return Unknown{Name: string(action)}, nil
	}
}

func decodeCreate(raw json.RawMessage) (Request, error) {
	var body struct {
		UserEmail text            `json:"userEmail"`
		QuizData  json.RawMessage `json:"quizData"`
	}
	if err := decodeBody(ActionCreate, raw, &body); err != nil {
		return nil, err
	}

	if body.UserEmail == "" {
		return nil, missing(ActionCreate, "userEmail")
	}

	return Create{UserEmail: string(body.UserEmail), Quiz: body.QuizData}, nil
}

func decodeJoin(raw json.RawMessage) (Request, error) {
	var body struct {
		RoomCode  text `json:"roomCode"`
		UserEmail text `json:"userEmail"`
		Username  text `json:"username"`
	}
	if err := decodeBody(ActionJoin, raw, &body); err != nil {
		return nil, err
	}

	switch {
	case body.RoomCode == "":
		return nil, missing(ActionJoin, "roomCode")
	case body.UserEmail == "":
		return nil, missing(ActionJoin, "userEmail")
	}

	return Join{
		RoomCode:  string(body.RoomCode),
		UserEmail: string(body.UserEmail),
		Username:  string(body.Username),
	}, nil
}

func decodeStartSession(raw json.RawMessage) (Request, error) {
	var body struct {
		RoomCode     text            `json:"roomCode"`
		TimerSeconds json.RawMessage `json:"timerSeconds"`
	}
	if err := decodeBody(ActionStartSession, raw, &body); err != nil {
		return nil, err
	}

	if body.RoomCode == "" {
		return nil, missing(ActionStartSession, "roomCode")
	}

	return StartSession{
		RoomCode:     string(body.RoomCode),
		TimerSeconds: number(body.TimerSeconds),
	}, nil
}

func decodeReconnect(raw json.RawMessage) (Request, error) {
	var body struct {
		RoomCode  text `json:"roomCode"`
		UserEmail text `json:"userEmail"`
	}
	if err := decodeBody(ActionReconnect, raw, &body); err != nil {
		return nil, err
	}

	switch {
	case body.RoomCode == "":
		return nil, missing(ActionReconnect, "roomCode")
	case body.UserEmail == "":
		return nil, missing(ActionReconnect, "userEmail")
	}

	return Reconnect{RoomCode: string(body.RoomCode), UserEmail: string(body.UserEmail)}, nil
}

func decodeDeleteRoom(raw json.RawMessage) (Request, error) {
	var body struct {
		RoomCode text `json:"roomCode"`
	}
	if err := decodeBody(ActionDeleteRoom, raw, &body); err != nil {
		return nil, err
	}

	if body.RoomCode == "" {
		return nil, missing(ActionDeleteRoom, "roomCode")
	}

	return DeleteRoom{RoomCode: string(body.RoomCode)}, nil
}

func decodeFinishQuiz(raw json.RawMessage) (Request, error) {
	var body struct {
		RoomCode  text            `json:"roomCode"`
		UserEmail text            `json:"userEmail"`
		Score     json.RawMessage `json:"score"`
	}
	if err := decodeBody(ActionFinishQuiz, raw, &body); err != nil {
		return nil, err
	}

	switch {
	case body.RoomCode == "":
		return nil, missing(ActionFinishQuiz, "roomCode")
	case body.UserEmail == "":
		return nil, missing(ActionFinishQuiz, "userEmail")
	}

	score, ok := numberLiteral(body.Score)
	if !ok {
		return nil, errors.InvalidArgument("%s: score must be a finite number", ActionFinishQuiz)
	}

	return FinishQuiz{
		RoomCode:  string(body.RoomCode),
		UserEmail: string(body.UserEmail),
		Score:     score,
	}, nil
}

func decodeBody(action Action, raw json.RawMessage, v any) error {
	if isNull(raw) {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("%s: invalid body", action),
			errors.WithCause(err),
		)
	}
	return nil
}

func missing(action Action, field string) error {
	return errors.InvalidArgument("%s: %s is required", action, field)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// number reads a JSON number, or a string holding one.
func number(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// numberLiteral accepts only a JSON number token that fits a finite float64.
// The decimal is built from that float, so its exponent stays bounded.
func numberLiteral(raw json.RawMessage) (decimal.Decimal, bool) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()

	var v any
	if err := d.Decode(&v); err != nil {
		return decimal.Zero, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Zero, false
	}

	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

// text accepts a JSON string or number, so room codes sent as 1234 still match "1234".
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*t = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string, got %s", b)
	}
	*t = text(n.String())
	return nil
}
