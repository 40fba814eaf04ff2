package rates

import "errors"

var (
	ErrNullPointer        = errors.New("null pointer")
	ErrNotEnoughRatesData = errors.New("not enough rates data")
	ErrTooManyInstances   = errors.New("too many instances")
	ErrUnknownInstanceID  = errors.New("unknown instance id")
	ErrUnknownTimezone    = errors.New("unknown timezone")
)

// ReturnCode is the framework's numeric status code, reported to MetaTrader and the tester.
type ReturnCode int

const (
	Success                ReturnCode = 0
	CodeNullPointer        ReturnCode = 3005
	CodeNotEnoughRatesData ReturnCode = 3009
	CodeInvalidParameter   ReturnCode = 3017
	CodeUnknownTimezone    ReturnCode = 3019
	CodeTooManyInstances   ReturnCode = 3022
	CodeUnknownInstanceID  ReturnCode = 3026
)

// ReturnCodeOf maps an error from this package to its framework return code.
func ReturnCodeOf(err error) ReturnCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNullPointer):
		return CodeNullPointer
	case errors.Is(err, ErrNotEnoughRatesData):
		return CodeNotEnoughRatesData
	case errors.Is(err, ErrTooManyInstances):
		return CodeTooManyInstances
	case errors.Is(err, ErrUnknownInstanceID):
		return CodeUnknownInstanceID
	case errors.Is(err, ErrUnknownTimezone):
		return CodeUnknownTimezone
	default:
		return CodeInvalidParameter
	}
}

// Reason returns a bounded label for an error, suitable for metrics.
func Reason(err error) string {
	switch ReturnCodeOf(err) {
	case Success:
		return "none"
	case CodeNullPointer:
		return "null_pointer"
	case CodeNotEnoughRatesData:
		return "not_enough_rates_data"
	case CodeTooManyInstances:
		return "too_many_instances"
	case CodeUnknownInstanceID:
		return "unknown_instance_id"
	case CodeUnknownTimezone:
		return "unknown_timezone"
	default:
		return "unknown"
	}
}
