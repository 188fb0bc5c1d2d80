package nrt

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Driver status words. These are protocol constants of the driver's v1
// surface; anything not listed maps to codes.Internal.
const (
	driverOK                  int32 = 0
	driverInvalid             int32 = 2
	driverResourceExhausted   int32 = 4
	driverTimeout             int32 = 5
	driverShmUnsupported      int32 = 13
	driverCompletedWithNumErr int32 = 1004
)

// checkStatus converts a driver status word into a typed error. The
// "completed with numerical anomaly" word is an informational signal from
// the accelerator, not a transport failure, and is treated as success.
func checkStatus(op string, st *Status) error {
	code := st.Code
	if code == driverCompletedWithNumErr {
		code = driverOK
	}
	if code == driverOK {
		return nil
	}
	var c codes.Code
	switch code {
	case driverInvalid:
		c = codes.InvalidArgument
	case driverResourceExhausted:
		c = codes.ResourceExhausted
	case driverTimeout:
		c = codes.DeadlineExceeded
	case driverShmUnsupported:
		c = codes.Unimplemented
	default:
		c = codes.Internal
	}
	if st.Details != "" {
		return status.Errorf(c, "%s failed on driver: code %d: %s", op, st.Code, st.Details)
	}
	return status.Errorf(c, "%s failed on driver: code %d", op, st.Code)
}

// IsShmUnsupported reports whether err means the driver build has no shared
// memory support at all, as opposed to a transient shm_map failure.
func IsShmUnsupported(err error) bool {
	return status.Code(err) == codes.Unimplemented
}

// IsAborted reports whether err came from a device that was torn down by the
// shutdown path.
func IsAborted(err error) bool {
	return status.Code(err) == codes.Aborted
}

// IsResourceExhausted reports whether err means the driver could not grant
// the requested core grouping.
func IsResourceExhausted(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}
