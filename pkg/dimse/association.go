package dimse

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/rs/zerolog"
)

// state is this engine's reduction of the ten PS3.8 association states down
// to the five an initiator or acceptor actually needs to branch on; the
// remaining five (AWAITING-RELEASE-*, AWAITING-TRANSPORT-CLOSE, ...) collapse
// into releasing/closed here since this package never pipelines more than
// one release or abort at a time.
type state int

const (
	stateIdle state = iota
	stateAwaitingAC
	stateOpen
	stateReleasing
	stateClosed
)

// Config controls both the SCU handshake (Connect) and the per-operation
// timeouts used once an association is open.
type Config struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// Association is one open DICOM upper-layer association, SCU side. It owns
// the TCP connection exclusively: callers must not share an Association
// across goroutines, the same way caio-sobreiro-dicomnet's Association
// binds one net.Conn to one caller for its lifetime.
type Association struct {
	conn   net.Conn
	config Config
	id     string

	mu       sync.Mutex
	st       state
	contexts []presentationContext

	messageID uint16
}

// Connect dials address, performs the A-ASSOCIATE handshake proposing one
// presentation context per (abstractSyntax, CoreTransferSyntaxes) pair in
// proposals, and returns an open Association. Any proposal rejected by the
// remote is simply absent from the negotiated set; GetPresentationContextID
// reports that absence to the caller rather than failing the whole
// handshake, since a remote may legitimately support only a subset.
func Connect(address string, proposals []Proposal, config Config) (*Association, error) {
	config.setDefaults()

	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindTransport, "dial", err)
	}

	a := &Association{
		conn:   conn,
		config: config,
		id:     newAssociationID(),
		st:     stateIdle,
	}

	if err := a.handshake(proposals); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Association) handshake(proposals []Proposal) error {
	a.conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	rq := buildAssociateRQ(a.config.CallingAETitle, a.config.CalledAETitle, proposals, a.config.MaxPDULength)
	if err := writePDU(a.conn, pduTypeAssociateRQ, rq); err != nil {
		return err
	}
	a.st = stateAwaitingAC

	a.conn.SetReadDeadline(time.Now().Add(a.config.ReadTimeout))
	p, err := readPDU(a.conn)
	if err != nil {
		return err
	}

	switch p.pduType {
	case pduTypeAssociateAC:
		ac, err := parseAssociateAC(p.payload)
		if err != nil {
			return dicomerr.New(dicomerr.KindProtocol, "parse associate-ac", err)
		}
		// The AC does not repeat abstract syntaxes; recover each from the
		// proposal whose ID (2*i+1, see buildAssociateRQ) it answers.
		for i := range ac.contexts {
			if idx := int(ac.contexts[i].id-1) / 2; idx < len(proposals) {
				ac.contexts[i].abstractSyntax = proposals[idx].abstractSyntax
			}
		}
		a.contexts = ac.contexts
		a.st = stateOpen
		a.config.Logger.Debug().Str("assoc", a.id).Int("contexts", len(ac.contexts)).Msg("association open")
		return nil
	case pduTypeAssociateRJ:
		a.st = stateClosed
		return dicomerr.New(dicomerr.KindNegotiation, "associate-rq rejected", fmt.Errorf("remote rejected association"))
	case pduTypeAbort:
		a.st = stateClosed
		return dicomerr.New(dicomerr.KindTransport, "associate-rq aborted", fmt.Errorf("remote aborted during negotiation"))
	default:
		a.st = stateClosed
		return dicomerr.New(dicomerr.KindProtocol, "associate-rq", fmt.Errorf("unexpected pdu type 0x%02x", p.pduType))
	}
}

// GetPresentationContextID returns the negotiated presentation context ID
// for abstractSyntax, or false if the remote did not accept it.
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.contexts {
		if pc.result == pcResultAcceptance {
			if pc.abstractSyntax == abstractSyntax || pc.abstractSyntax == "" {
				return pc.id, true
			}
		}
	}
	return 0, false
}

// TransferSyntaxFor returns the transfer syntax negotiated for pcID.
func (a *Association) TransferSyntaxFor(pcID byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.contexts {
		if pc.id == pcID && len(pc.transferSyntaxes) > 0 {
			return pc.transferSyntaxes[0]
		}
	}
	return ImplicitVRLittleEndian
}

func (a *Association) nextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageID++
	return a.messageID
}

// Close releases the association gracefully, falling back to an abort if
// the remote does not answer the release request within ReadTimeout.
// Idempotent: a no-op unless the association is open.
func (a *Association) Close() error {
	a.mu.Lock()
	if a.st != stateOpen {
		a.mu.Unlock()
		return nil
	}
	a.st = stateReleasing
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.st = stateClosed
		a.mu.Unlock()
		a.conn.Close()
	}()

	a.conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	if err := writePDU(a.conn, pduTypeReleaseRQ, nil); err != nil {
		return nil // connection already gone, nothing more to do
	}

	a.conn.SetReadDeadline(time.Now().Add(a.config.ReadTimeout))
	p, err := readPDU(a.conn)
	if err != nil {
		a.abort()
		return nil
	}
	if p.pduType != pduTypeReleaseRP {
		a.abort()
	}
	return nil
}

// abort sends A-ABORT best-effort; failures are not reported since the
// association is being torn down regardless.
func (a *Association) abort() {
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	writePDU(a.conn, pduTypeAbort, []byte{0x00, 0x00, 0x00, 0x00})
}

// Abort immediately sends A-ABORT and closes the connection, used when an
// operation times out mid-exchange (spec.md §4.2: never release after a
// protocol violation or deadline, since the peer's state is unknown).
func (a *Association) Abort() {
	a.mu.Lock()
	if a.st == stateClosed {
		a.mu.Unlock()
		return
	}
	a.st = stateClosed
	a.mu.Unlock()
	a.abort()
	a.conn.Close()
}
