package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/goevery/intercept/internal/auth"
	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/ierr"
)

func requireControl(ctx context.Context, sources ...broadcaster.Source) error {
	return requireScope(ctx, auth.ScopeControl, (*auth.Authentication).IsController, sources)
}

func requirePublish(ctx context.Context, sources ...broadcaster.Source) error {
	return requireScope(ctx, auth.ScopePublish, (*auth.Authentication).IsPublisher, sources)
}

func requireScope(
	ctx context.Context,
	scope string,
	granted func(*auth.Authentication) bool,
	sources []broadcaster.Source,
) error {
	authentication, ok := auth.AuthenticationFromContext(ctx)
	if !ok {
		return ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	if !granted(authentication) {
		return ierr.New(ierr.ErrorCodePermissionDenied, fmt.Errorf("%s scope required", scope))
	}

	for _, source := range sources {
		if !authentication.IsAuthorized(string(source)) {
			return ierr.New(ierr.ErrorCodePermissionDenied,
				fmt.Errorf("user not authorized for the %s source", source))
		}
	}

	return nil
}
