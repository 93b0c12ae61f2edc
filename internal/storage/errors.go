package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotifyDisabled is returned by Listen and WaitForNotification when the
// store was built without a notification connection.
var ErrNotifyDisabled = errors.New("storage: notify connection not configured")
