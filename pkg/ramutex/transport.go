package ramutex

type DeliverFunc func(IncomingMsg)

// Transport carries messages between sites. Send is asynchronous: it must
// not block, and delivery failures are only logged by the transport.
type Transport interface {
	Start(DeliverFunc) error
	Stop()

	Send(PeerID, Msg)
}
