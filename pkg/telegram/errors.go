package telegram

import "errors"

// errStalled and errChannelClosed drive Poller.Run's reconnect loop; neither
// escapes the package.
var (
	errStalled       = errors.New("telegram: update stream stalled")
	errChannelClosed = errors.New("telegram: update channel closed")
)
