package main

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventJoinServer            = "join-server"
	EventLeaveServer           = "leave-server"
	EventJoinSubject           = "join-subject"
	EventLeaveSubject          = "leave-subject"
	EventLogoutUser            = "logout-user"
	EventActivityUpdate        = "activity-update"
	EventShutdown              = "shutdown"
	EventLogoff                = "logoff"
	EventReboot                = "reboot"
	EventLaunchWebpage         = "launch-webpage"
	EventShowScreen            = "show-screen"
	EventHideScreen            = "hide-screen"
	EventStartLiveQuiz         = "start-live-quiz"
	EventPowerMonitoringUpdate = "power-monitoring-update"
	EventScreenShareOffer      = "screen-share-offer"
	EventScreenShareStopped    = "screen-share-stopped"
	EventScreenData            = "screen-data"
	EventUploadFileChunk       = "upload-file-chunk"
	EventPing                  = "ping"
)

// Outbound-only event names. Relayed events reuse their inbound names.
const (
	EventUserCount          = "user count"
	EventStudentJoined      = "student-joined"
	EventStudentLeft        = "student-left"
	EventStudentLoggedOut   = "student-logged-out"
	EventRefreshPowerStatus = "refresh-power-status"
	EventFileProgress       = "file-progress"
	EventFileComplete       = "file-complete"
	EventFileError          = "file-error"
	EventPong               = "pong"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %q payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// uploadChunkPayload is the inbound upload-file-chunk body.
type uploadChunkPayload struct {
	Targets     []string `json:"targets"`
	Chunk       string   `json:"chunk"`
	Filename    string   `json:"filename"`
	SubjectName string   `json:"subjectName"`
	ChunkIndex  int      `json:"chunkIndex"`
	TotalChunks int      `json:"totalChunks"`
	FileType    string   `json:"fileType"`
	FileSize    int64    `json:"fileSize"`
}

type FileProgress struct {
	FileID    string  `json:"fileId"`
	Filename  string  `json:"filename"`
	Progress  int     `json:"progress"`
	Speed     float64 `json:"speed"`
	Remaining int     `json:"remaining"`
}

type FileComplete struct {
	FileID      string `json:"fileId"`
	Filename    string `json:"filename"`
	TargetCount int    `json:"targetCount"`
	TotalSize   int64  `json:"totalSize"`
}

type FileError struct {
	FileID   string `json:"fileId"`
	Error    string `json:"error"`
	Filename string `json:"filename"`
}

// FileDelivery is the outbound upload-file-chunk body carrying the
// assembled file.
type FileDelivery struct {
	FileID      string `json:"fileId"`
	File        []byte `json:"file"`
	Filename    string `json:"filename"`
	SubjectName string `json:"subjectName"`
	FileType    string `json:"fileType"`
}

type powerStatusRefresh struct {
	DeviceID string `json:"deviceId"`
}
