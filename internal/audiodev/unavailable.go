//go:build !cgo || noaudio

package audiodev

import "github.com/vango-go/vai-kiosk/pkg/core/live"

// Open reports ErrUnavailable; this build has no native audio backend.
func Open(int) (live.Microphone, *Speaker, func(), error) {
	return nil, nil, nil, ErrUnavailable
}
