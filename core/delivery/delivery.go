// Package delivery streams stored tracks and snippets with byte-range support.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"soundslice/repository"
	"soundslice/storage"
)

var (
	ErrNotFound  = errors.New("content not found")
	ErrForbidden = errors.New("access denied")
)

// TargetKind says what a delivery target refers to.
type TargetKind string

const (
	TargetTrack   TargetKind = "track"
	TargetSnippet TargetKind = "snippet"
)

// Target is a track id or a snippet content ref.
type Target struct {
	Kind TargetKind
	ID   string
}

// Requester identifies who is reading. Both fields may be empty.
type Requester struct {
	UserID string
	// Grant authorizes snippet reads; it is issued alongside the settlement result.
	Grant string
}

// GrantVerifier checks that grant authorizes reading the snippet at ref.
type GrantVerifier interface {
	VerifyGrant(grant, ref string) error
}

// Delivery is an open read of some or all of an object.
type Delivery struct {
	Body          io.ReadCloser
	Partial       bool
	Start         int64
	End           int64
	TotalLength   int64
	ContentLength int64
	ContentType   string
}

// ContentRange formats the Content-Range header value for a partial delivery.
func (d *Delivery) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", d.Start, d.End, d.TotalLength)
}

// Gateway enforces visibility and opens ranges. It holds no mutable state.
type Gateway struct {
	tracks repository.TrackRepository
	store  storage.ContentStore
	grants GrantVerifier
}

func NewGateway(tracks repository.TrackRepository, store storage.ContentStore, grants GrantVerifier) *Gateway {
	return &Gateway{tracks: tracks, store: store, grants: grants}
}

// OpenRange authorizes requester for target and opens the byte range named
// by rangeHeader, or the whole object when the header is absent or malformed.
func (g *Gateway) OpenRange(ctx context.Context, target Target, requester Requester, rangeHeader string) (*Delivery, error) {
	ref, contentType, err := g.authorize(ctx, target, requester)
	if err != nil {
		return nil, err
	}

	info, err := g.store.Stat(ctx, ref)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%s %s: %w", target.Kind, target.ID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = info.ContentType
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	r, partial, err := ParseRange(rangeHeader, info.Size)
	if err != nil {
		return nil, err
	}
	if !partial {
		r = ByteRange{Start: 0, End: info.Size - 1}
	}

	body, err := g.store.RangeRead(ctx, ref, r.Start, r.Length())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s %s: %w", target.Kind, target.ID, ErrNotFound)
		}
		return nil, err
	}
	return &Delivery{
		Body:          body,
		Partial:       partial,
		Start:         r.Start,
		End:           r.End,
		TotalLength:   info.Size,
		ContentLength: r.Length(),
		ContentType:   contentType,
	}, nil
}

func (g *Gateway) authorize(ctx context.Context, target Target, requester Requester) (ref, contentType string, err error) {
	switch target.Kind {
	case TargetTrack:
		track, err := g.tracks.GetByID(ctx, target.ID)
		if err != nil {
			return "", "", err
		}
		if track == nil || track.ContentRef == "" {
			return "", "", fmt.Errorf("track %s: %w", target.ID, ErrNotFound)
		}
		if !track.IsPublic() && track.OwnerID != requester.UserID {
			return "", "", fmt.Errorf("track %s: %w", target.ID, ErrForbidden)
		}
		return track.ContentRef, track.ContentType, nil

	case TargetSnippet:
		if !storage.ValidRef(target.ID) {
			return "", "", fmt.Errorf("snippet %s: %w", target.ID, ErrNotFound)
		}
		if g.grants == nil || requester.Grant == "" {
			return "", "", fmt.Errorf("snippet %s: %w", target.ID, ErrForbidden)
		}
		if err := g.grants.VerifyGrant(requester.Grant, target.ID); err != nil {
			return "", "", fmt.Errorf("snippet %s: %w: %v", target.ID, ErrForbidden, err)
		}
		return target.ID, "", nil

	default:
		return "", "", fmt.Errorf("unknown target kind %q: %w", target.Kind, ErrNotFound)
	}
}
