package weft

// Logging convention in the `weft` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - dropped frames and subscriber overflow
//     - handshake rejections and abnormal disconnects
// Error:
//     unrecoverable crash details
// V(2):
//     key events for trace debugging with short bracketed tags that can be
//     used to filter:
//     - [p] peer/overlay events
//     - [t] transport events
//     - [m] master store events
//     - [c] clone store events
//     frequent events (send, forward, receive) stay at this level

const (
	logTagPeer      = "p"
	logTagTransport = "t"
	logTagMaster    = "m"
	logTagClone     = "c"
)
