package handler

import (
	"context"

	"github.com/goevery/intercept/internal/broadcaster"
)

// Follower is a viewer connection that can follow the live feed of a
// source.
type Follower interface {
	Follow(source broadcaster.Source) (string, error)
	Unfollow(source broadcaster.Source) bool
}

type contextKey string

const followerKey contextKey = "follower"

func WithFollower(ctx context.Context, follower Follower) context.Context {
	return context.WithValue(ctx, followerKey, follower)
}

func FollowerFromContext(ctx context.Context) (Follower, bool) {
	follower, ok := ctx.Value(followerKey).(Follower)
	return follower, ok
}
