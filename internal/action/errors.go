package action

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w") and the
// dispatcher turns every one of them into a Result; none is fatal.
var (
	ErrParse           = errors.New("parse error")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrDenied          = errors.New("denied")
	ErrExecutionFault  = errors.New("execution fault")
	ErrTimeout         = errors.New("timeout")
	ErrSupervisorFault = errors.New("supervisor fault")
)

// Classify returns the taxonomy sentinel err wraps, or ErrExecutionFault for
// anything unrecognised.
func Classify(err error) error {
	for _, sentinel := range []error{ErrParse, ErrUnknownTool, ErrDenied, ErrTimeout, ErrSupervisorFault, ErrExecutionFault} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrExecutionFault
}

// FromError converts err into a result for callID. ErrDenied maps to a
// denied status; everything else is an error result.
func FromError(callID string, err error) Result {
	if errors.Is(err, ErrDenied) {
		return Denied(callID, err.Error())
	}
	return Fail(callID, err)
}
