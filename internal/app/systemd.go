package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "promosched/pkg/logx"
)

// notifyReady reports readiness to systemd. Outside a Type=notify unit
// NOTIFY_SOCKET is unset and this is a no-op.
func notifyReady(log logx.Logger, status string) {
	sdNotify(log, daemon.SdNotifyReady+"\nSTATUS="+status)
}

func notifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}
