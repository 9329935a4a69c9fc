package health

import "errors"

var errUDPUnresolvable = errors.New("udp target has no resolved address")
