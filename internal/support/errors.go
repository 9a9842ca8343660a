package support

import (
	"errors"

	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/session"
)

var (
	ErrNoSession           = errors.New("no active support session")
	ErrSupporterNotInVoice = errors.New("supporter is not in a voice channel")
	ErrRelocationFailed    = errors.New("could not move requester")

	ErrAlreadyActive    = session.ErrAlreadyActive
	ErrRateLimited      = queue.ErrRateLimited
	ErrNotWaiting       = queue.ErrNotWaiting
	ErrNotFound         = queue.ErrNotFound
	ErrAlreadyFinalized = queue.ErrAlreadyFinalized
	ErrStaleEntry       = queue.ErrStaleEntry
)
