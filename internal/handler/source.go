package handler

import (
	"fmt"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/ierr"
)

type SourceValidator struct{}

func NewSourceValidator() *SourceValidator {
	return &SourceValidator{}
}

func (v *SourceValidator) Validate(source string) (broadcaster.Source, error) {
	parsed, ok := broadcaster.ParseSource(source)
	if !ok {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("invalid source %q", source))
	}

	return parsed, nil
}
