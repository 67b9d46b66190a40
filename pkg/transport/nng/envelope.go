package nng

import (
	"github.com/fxamacker/cbor/v2"
)

// envelope kinds
const (
	kindHello   = 1
	kindMessage = 2
)

// envelope frames every message on the bus. From identifies the sending
// instance since bus pipes carry no identity of their own.
type envelope struct {
	Kind  int    `cbor:"1,keyasint"`
	From  string `cbor:"2,keyasint"`
	Addr  string `cbor:"3,keyasint,omitempty"`
	Topic string `cbor:"4,keyasint,omitempty"`
	Data  []byte `cbor:"5,keyasint,omitempty"`
}

// Core deterministic encoding; unknown fields are ignored on decode
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("nng: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxByteStringLen: 1 << 20}.DecMode()
	if err != nil {
		panic("nng: CBOR decoder initialization failed: " + err.Error())
	}
}

func (e envelope) marshal() ([]byte, error) {
	return encMode.Marshal(e)
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var e envelope
	err := decMode.Unmarshal(data, &e)
	return e, err
}
