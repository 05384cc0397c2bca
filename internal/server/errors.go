package server

import (
	"errors"
	"fmt"
)

// errRoomStopped is returned by AddUser when the room's control loop
// has already exited; the caller should create a fresh room.
var errRoomStopped = errors.New("room is stopped")

// DuplicateNicknameError rejects a join because another member of the
// room already uses the nickname. Its message is sent to the client
// verbatim as the rejection reason.
type DuplicateNicknameError struct {
	Nickname string
}

func (e *DuplicateNicknameError) Error() string {
	return fmt.Sprintf("User called %q already exists!", e.Nickname)
}
