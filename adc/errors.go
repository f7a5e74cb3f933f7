package adc

import "errors"

var (
	errBadEscape   = errors.New("adc: ill-formed escape sequence")
	errLineTooLong = errors.New("adc: command line exceeds the maximum size")
	errBadType     = errors.New("adc: unrecognized command type")
	errBadName     = errors.New("adc: command name must be 3 uppercase letters")
	errMissingSID  = errors.New("adc: command is missing a required SID")
	errBadSelector = errors.New("adc: malformed feature selector")
)
