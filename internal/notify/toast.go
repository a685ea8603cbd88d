// Package notify adapts desktop toast notifications for the Heartbeat's
// useIndicator knob.
package notify

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// Indicator shows a desktop toast when Heartbeat wants an out-of-band
// signal alongside (or instead of) channel delivery.
type Indicator struct {
	appID string
}

// NewIndicator builds an Indicator. appID defaults to "andy" if empty.
func NewIndicator(appID string) *Indicator {
	if appID == "" {
		appID = "andy"
	}
	return &Indicator{appID: appID}
}

// Supported reports whether toast notifications work on this platform.
func (i *Indicator) Supported() bool {
	return runtime.GOOS == "windows"
}

// ShowAlert pops a toast for a heartbeat alert. Returns an error on
// unsupported platforms rather than silently no-op'ing, so the caller can
// log and fall back to channel delivery.
func (i *Indicator) ShowAlert(title, message string) error {
	if !i.Supported() {
		return fmt.Errorf("toast notifications only supported on windows")
	}

	n := toast.Notification{
		AppID:   i.appID,
		Title:   title,
		Message: message,
		Audio:   toast.IM,
	}
	return n.Push()
}
