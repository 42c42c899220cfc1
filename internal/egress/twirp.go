package egress

import "fmt"

// Twirp routes served and called for the egress service.
const (
	PathStartTrackEgress = "/twirp/livekit.Egress/StartTrackEgress"
	PathStopEgress       = "/twirp/livekit.Egress/StopEgress"
)

// Twirp error codes used by the egress service.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeAlreadyExists   = "already_exists"
	CodeInternal        = "internal"
)

// StartTrackEgressRequest asks the service to record one track.
type StartTrackEgressRequest struct {
	RoomName string `json:"room_name"`
	TrackID  string `json:"track_id"`
	Filepath string `json:"filepath"`
}

// StartTrackEgressResponse identifies the started egress.
type StartTrackEgressResponse struct {
	EgressID string `json:"egress_id"`
	Status   string `json:"status"`
}

// StopEgressRequest stops a running egress.
type StopEgressRequest struct {
	EgressID string `json:"egress_id"`
}

// StopEgressResponse carries the finalized file.
type StopEgressResponse struct {
	Status     string `json:"status"`
	Filename   string `json:"filename"`
	DurationMs int64  `json:"duration_ms"`
}

// Error is a Twirp error body.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("egress %s: %s", e.Code, e.Msg)
}
