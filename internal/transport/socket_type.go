package transport

// SocketType selects the messaging pattern of a socket.
type SocketType int

const (
	Push SocketType = iota + 1
	Pull
	Req
	Rep
)

var socketTypeNames = map[SocketType]string{
	Push: "PUSH",
	Pull: "PULL",
	Req:  "REQ",
	Rep:  "REP",
}

func (t SocketType) String() string {
	if name, ok := socketTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSocketType is the inverse of String.
func ParseSocketType(name string) (SocketType, bool) {
	for t, n := range socketTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Compatible reports whether sockets of types t and peer may be connected.
func (t SocketType) Compatible(peer SocketType) bool {
	switch t {
	case Push:
		return peer == Pull
	case Pull:
		return peer == Push
	case Req:
		return peer == Rep
	case Rep:
		return peer == Req
	}
	return false
}

func (t SocketType) canSend() bool { return t != Pull }
func (t SocketType) canRecv() bool { return t != Push }
