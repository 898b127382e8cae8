package swap

// Type indicates the type of swap.
type Type uint8

const (
	// TypeSend is a swap that pays a Lightning invoice by locking up
	// on-chain funds.
	TypeSend Type = iota

	// TypeReceive is a swap that receives on-chain funds in exchange for
	// an invoice payment made by the counterparty.
	TypeReceive

	// TypeChain is a swap that moves funds between two distinct chains.
	TypeChain
)

func (t Type) String() string {
	switch t {
	case TypeSend:
		return "Send"
	case TypeReceive:
		return "Receive"
	case TypeChain:
		return "Chain"
	default:
		return "Unknown"
	}
}

// Direction indicates which way a chain swap moves funds, as seen from the
// wallet's home chain.
type Direction uint8

const (
	// DirectionIncoming is a chain swap where the counterparty locks up
	// on the home chain and the wallet claims.
	DirectionIncoming Direction = iota

	// DirectionOutgoing is a chain swap where the wallet locks up on the
	// home chain and claims on the other chain.
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "Incoming"
	case DirectionOutgoing:
		return "Outgoing"
	default:
		return "Unknown"
	}
}
