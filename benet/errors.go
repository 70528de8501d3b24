package benet

import (
	"errors"
	"fmt"
)

var (
	ErrInit            = errors.New("benet: engine initialization failed")
	ErrInvalidArgument = errors.New("benet: invalid argument")
	ErrIO              = errors.New("benet: i/o error")
	ErrUnknown         = errors.New("benet: engine error")
)

func ioError(err error) error {
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func engineError(err error) error {
	return fmt.Errorf("%w: %w", ErrUnknown, err)
}
