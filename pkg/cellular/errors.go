package cellular

import "errors"

var (
	ErrModemTimeout  = errors.New("cellular: modem did not respond in time")
	ErrChatFailed    = errors.New("cellular: chat script failed")
	ErrNoCarrier     = errors.New("cellular: no carrier")
	ErrPppDaemonDied = errors.New("cellular: pppd exited unexpectedly")
)
