package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUndeclaredEvent  = errors.New("undeclared outbound event")
	ErrThrottled        = errors.New("throttled")
)

// controlEvents are relayed verbatim to the device room named in the payload.
var controlEvents = []string{
	EventActivityUpdate,
	EventShutdown,
	EventLogoff,
	EventReboot,
	EventLaunchWebpage,
	EventShowScreen,
	EventHideScreen,
	EventStartLiveQuiz,
}

// outboundEvents is every event name the relay may put on the wire.
var outboundEvents = map[string]struct{}{
	EventUserCount:             {},
	EventStudentJoined:         {},
	EventStudentLeft:           {},
	EventStudentLoggedOut:      {},
	EventRefreshPowerStatus:    {},
	EventFileProgress:          {},
	EventFileComplete:          {},
	EventFileError:             {},
	EventUploadFileChunk:       {},
	EventPong:                  {},
	EventPowerMonitoringUpdate: {},
	EventScreenShareOffer:      {},
	EventScreenShareStopped:    {},
	EventScreenData:            {},
	EventActivityUpdate:        {},
	EventShutdown:              {},
	EventLogoff:                {},
	EventReboot:                {},
	EventLaunchWebpage:         {},
	EventShowScreen:            {},
	EventHideScreen:            {},
	EventStartLiveQuiz:         {},
}

func declaredOutbound(event string) error {
	if _, ok := outboundEvents[event]; !ok {
		return fmt.Errorf("%w: %q", ErrUndeclaredEvent, event)
	}
	return nil
}

// Outbound wraps the hub and refuses to emit event names that are not
// declared in outboundEvents.
type Outbound struct {
	hub *Hub
}

func NewOutbound(hub *Hub) *Outbound {
	return &Outbound{hub: hub}
}

func (o *Outbound) EmitTo(roomID, event string, payload any, exclude string) (int, error) {
	if err := declaredOutbound(event); err != nil {
		return 0, err
	}
	return o.hub.EmitTo(roomID, event, payload, exclude)
}

func (o *Outbound) EmitToConnection(connID, event string, payload any) (bool, error) {
	if err := declaredOutbound(event); err != nil {
		return false, err
	}
	return o.hub.EmitToConnection(connID, event, payload)
}

func (o *Outbound) BroadcastAll(event string, payload any) (int, error) {
	if err := declaredOutbound(event); err != nil {
		return 0, err
	}
	return o.hub.BroadcastAll(event, payload)
}

type handlerFunc func(connID string, payload []byte) error

// Dispatcher decodes inbound envelopes and routes them to the hub, the
// reassembler or the liveness monitor.
type Dispatcher struct {
	hub         *Hub
	out         *Outbound
	reassembler *Reassembler
	screen      *KeyedLimiter
	logger      *slog.Logger
	handlers    map[string]handlerFunc
}

func NewDispatcher(hub *Hub, out *Outbound, reassembler *Reassembler, screen *KeyedLimiter, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		hub:         hub,
		out:         out,
		reassembler: reassembler,
		screen:      screen,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}

	d.handlers = map[string]handlerFunc{
		EventJoinServer:            d.joinServer,
		EventLeaveServer:           d.leaveServer,
		EventJoinSubject:           d.joinSubject,
		EventLeaveSubject:          d.leaveSubject,
		EventLogoutUser:            d.logoutUser,
		EventPowerMonitoringUpdate: d.powerMonitoringUpdate,
		EventScreenShareOffer:      d.screenShare(EventScreenShareOffer),
		EventScreenShareStopped:    d.screenShare(EventScreenShareStopped),
		EventScreenData:            d.screenData,
		EventUploadFileChunk:       d.uploadFileChunk,
		EventPing:                  d.ping,
	}
	for _, event := range controlEvents {
		d.handlers[event] = d.relayControl(event)
	}
	return d
}

// InboundEvents returns the sorted names the dispatcher accepts.
func (d *Dispatcher) InboundEvents() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch handles one raw frame from connID. Failures are logged and
// returned; they never affect other connections.
func (d *Dispatcher) Dispatch(connID string, raw []byte) (err error) {
	logger := d.logger.With(slog.String("conn", connID))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
			logger.Error("recovered from handler panic", slog.Any("panic", p))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("failed to decode envelope", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	handler, ok := d.handlers[env.Event]
	if !ok {
		logger.Warn("received unknown event", slog.String("event", env.Event))
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	eventsTotal.WithLabelValues("in", env.Event).Inc()

	if err := handler(connID, env.Payload); err != nil {
		if errors.Is(err, ErrThrottled) {
			logger.Debug("event throttled", slog.String("event", env.Event))
		} else {
			logger.Warn("event handler failed", slog.String("event", env.Event), slog.String("error", err.Error()))
		}
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}

func (d *Dispatcher) joinServer(connID string, payload []byte) error {
	deviceID, err := deviceIDFrom(payload)
	if err != nil {
		return err
	}
	d.hub.Join(connID, d.hub.DeviceRoom(deviceID))
	return nil
}

func (d *Dispatcher) leaveServer(connID string, payload []byte) error {
	deviceID, err := deviceIDFrom(payload)
	if err != nil {
		return err
	}
	d.hub.Leave(connID, d.hub.DeviceRoom(deviceID))
	return nil
}

func (d *Dispatcher) joinSubject(connID string, payload []byte) error {
	subjectID, err := requireField(payload, "subjectId")
	if err != nil {
		return err
	}
	room := d.hub.SubjectRoom(subjectID)
	d.hub.Join(connID, room)
	_, err = d.out.EmitTo(room, EventStudentJoined, json.RawMessage(payload), connID)
	return err
}

func (d *Dispatcher) leaveSubject(connID string, payload []byte) error {
	subjectID, err := requireField(payload, "subjectId")
	if err != nil {
		return err
	}
	room := d.hub.SubjectRoom(subjectID)
	d.hub.Leave(connID, room)
	_, err = d.out.EmitTo(room, EventStudentLeft, json.RawMessage(payload), connID)
	return err
}

func (d *Dispatcher) logoutUser(connID string, payload []byte) error {
	subjectID, err := requireField(payload, "subjectId")
	if err != nil {
		return err
	}
	_, err = d.out.EmitTo(d.hub.SubjectRoom(subjectID), EventStudentLoggedOut, json.RawMessage(payload), connID)
	return err
}

func (d *Dispatcher) relayControl(event string) handlerFunc {
	return func(connID string, payload []byte) error {
		deviceID, err := requireField(payload, "deviceId")
		if err != nil {
			return err
		}
		_, err = d.out.EmitTo(d.hub.DeviceRoom(deviceID), event, json.RawMessage(payload), connID)
		return err
	}
}

func (d *Dispatcher) powerMonitoringUpdate(connID string, payload []byte) error {
	deviceID, err := requireField(payload, "deviceId")
	if err != nil {
		return err
	}
	if _, err := d.out.EmitTo(d.hub.DeviceRoom(deviceID), EventPowerMonitoringUpdate, json.RawMessage(payload), connID); err != nil {
		return err
	}
	_, err = d.out.BroadcastAll(EventRefreshPowerStatus, powerStatusRefresh{DeviceID: deviceID})
	return err
}

func (d *Dispatcher) screenShare(event string) handlerFunc {
	return func(connID string, payload []byte) error {
		receiverID, err := requireField(payload, "receiverId")
		if err != nil {
			return err
		}
		_, err = d.out.EmitTo(d.hub.DeviceRoom(receiverID), event, json.RawMessage(payload), connID)
		return err
	}
}

func (d *Dispatcher) screenData(connID string, payload []byte) error {
	userID, err := requireField(payload, "userId")
	if err != nil {
		return err
	}
	subjectID, err := requireField(payload, "subjectId")
	if err != nil {
		return err
	}
	if !d.screen.Allow(userID) {
		throttledTotal.WithLabelValues("screen_data").Inc()
		return ErrThrottled
	}
	_, err = d.out.EmitTo(d.hub.SubjectRoom(subjectID), EventScreenData, json.RawMessage(payload), connID)
	return err
}

func (d *Dispatcher) uploadFileChunk(connID string, payload []byte) error {
	var p uploadChunkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	targets := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		if t != "" {
			targets = append(targets, d.hub.DeviceRoom(t))
		}
	}

	_, err := d.reassembler.Submit(connID, TransferMeta{
		Targets:      targets,
		Filename:     p.Filename,
		SubjectLabel: p.SubjectName,
		MimeType:     p.FileType,
		TotalChunks:  p.TotalChunks,
		TotalSize:    p.FileSize,
	}, p.ChunkIndex, p.Chunk)
	return err
}

func (d *Dispatcher) ping(connID string, _ []byte) error {
	d.hub.Touch(connID)
	_, err := d.out.EmitToConnection(connID, EventPong, nil)
	return err
}

// deviceIDFrom accepts a bare JSON string or an object with deviceId.
func deviceIDFrom(payload []byte) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}
	if v := gjson.ParseBytes(payload); v.Type == gjson.String {
		if v.Str == "" {
			return "", fmt.Errorf("%w: empty deviceId", ErrMalformedPayload)
		}
		return v.Str, nil
	}
	return requireField(payload, "deviceId")
}

// requireField returns the string value at path, which must be present and
// non-empty. Numeric ids are accepted in their textual form.
func requireField(payload []byte, path string) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}
	v := gjson.GetBytes(payload, path)
	switch v.Type {
	case gjson.String, gjson.Number:
		if s := v.String(); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, path)
}
