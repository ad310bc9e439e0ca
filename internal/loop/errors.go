package loop

import "errors"

// Precondition failures leave the cycle state untouched.
var (
	ErrNoProfile = errors.New("no profile selected")
	ErrNoPump    = errors.New("no pump selected")
	ErrDisabled  = errors.New("loop disabled")
	ErrNoGlucose = errors.New("no glucose data available")
)

// Cycle failures
var (
	ErrHardLimit              = errors.New("profile value outside hard limits")
	ErrMissingSensitivityData = errors.New("no autosens data available")
	ErrNoIobData              = errors.New("no IOB data available")
	ErrAlgorithm              = errors.New("dosing algorithm failed")
)

// ErrorKind classifies a cycle failure
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindPrecondition
	KindValidation
	KindSensitivity
	KindAlgorithm
)

func (k ErrorKind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindValidation:
		return "validation"
	case KindSensitivity:
		return "sensitivity"
	case KindAlgorithm:
		return "algorithm"
	default:
		return "none"
	}
}

// KindOf returns the kind of a cycle error
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNoProfile), errors.Is(err, ErrNoPump),
		errors.Is(err, ErrDisabled), errors.Is(err, ErrNoGlucose):
		return KindPrecondition
	case errors.Is(err, ErrHardLimit), errors.Is(err, ErrNoIobData):
		return KindValidation
	case errors.Is(err, ErrMissingSensitivityData):
		return KindSensitivity
	default:
		return KindAlgorithm
	}
}

// ReasonFor returns the user facing text for a cycle error
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoProfile):
		return "No profile selected"
	case errors.Is(err, ErrNoPump):
		return "No pump selected"
	case errors.Is(err, ErrDisabled):
		return "Closed loop disabled"
	case errors.Is(err, ErrNoGlucose):
		return "No glucose data available"
	case errors.Is(err, ErrHardLimit):
		return "Profile setting outside hard limits, loop halted: " + err.Error()
	case errors.Is(err, ErrNoIobData):
		return "No insulin on board data available"
	case errors.Is(err, ErrMissingSensitivityData):
		return "No sensitivity data available yet"
	default:
		return "Dosing calculation failed"
	}
}
