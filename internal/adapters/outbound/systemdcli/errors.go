package systemdcli

import "errors"

// ErrToolMissing is returned when a required external binary is not in PATH.
var ErrToolMissing = errors.New("required tool not found")
