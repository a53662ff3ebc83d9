package capture

import (
	"errors"
	"fmt"
)

// ErrFFmpegNotFound means the ffmpeg executable could not be located or
// spawned. Fatal: never retried across the config ladder.
var ErrFFmpegNotFound = errors.New("ffmpeg executable not found")

// ErrDeviceNotFound means a stored camera selection is absent from the
// current enumeration and must be reselected.
var ErrDeviceNotFound = errors.New("camera device not found")

// ConflictError reports a failed ownership acquire, naming the holder.
type ConflictError struct {
	Role      Role
	Token     string
	OwnerRole Role
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("camera %q is held by %s, requested by %s", e.Token, e.OwnerRole, e.Role)
}
