package dimse

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/rs/zerolog"
)

// Handler processes DIMSE requests received on an accepted association.
// Implementations live in internal/storagescp (C-STORE, C-ECHO); the
// acceptor here only owns the PS3.8 state machine and PDU framing, the same
// split caio-sobreiro-dicomnet draws between its pdu.Layer and its
// application-level HandleConnection callback.
type Handler interface {
	HandleCStore(conn *ServerConn, cs *CommandSet, datasetPCID byte, dataset []byte) (status uint16, err error)
	HandleCEcho(conn *ServerConn, cs *CommandSet) (status uint16, err error)
}

// ServerConfig controls the SCP acceptor.
type ServerConfig struct {
	AETitle      string
	MaxPDULength uint32
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

func (c *ServerConfig) setDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// Server accepts inbound associations on one listening socket.
type Server struct {
	listener net.Listener
	config   ServerConfig
	handler  Handler
}

// Listen binds address (e.g. ":11112") and returns a Server ready to Serve.
func Listen(address string, handler Handler, config ServerConfig) (*Server, error) {
	config.setDefaults()
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindTransport, "listen", err)
	}
	return &Server{listener: ln, config: config, handler: handler}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Close() error { return s.listener.Close() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. It never returns a non-nil error on a clean shutdown
// (listener closed), matching net/http's ListenAndServe convention the
// teacher's HTTP server already follows.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedError(err) {
				return nil
			}
			return dicomerr.New(dicomerr.KindTransport, "accept", err)
		}
		go s.handleConnection(conn)
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// ServerConn is the per-association handle passed to Handler callbacks: it
// lets the handler send a DIMSE response without knowing about PDU framing.
type ServerConn struct {
	conn      net.Conn
	config    ServerConfig
	contexts  []presentationContext
	callingAE string
}

// SendResponse writes rsp as a command-set-only P-DATA-TF fragment (no data
// set) on pcID, used for every *-RSP this engine issues.
func (sc *ServerConn) SendResponse(pcID byte, rsp *CommandSet) error {
	return writeDIMSEMessage(sc.conn, sc.config.WriteTimeout, pcID, rsp.Encode(), nil)
}

// TransferSyntaxFor returns the transfer syntax negotiated for pcID, the
// exported form storagescp needs to decode an inbound C-STORE dataset.
func (sc *ServerConn) TransferSyntaxFor(pcID byte) string {
	return sc.transferSyntaxFor(pcID)
}

func (sc *ServerConn) transferSyntaxFor(pcID byte) string {
	for _, pc := range sc.contexts {
		if pc.id == pcID && len(pc.transferSyntaxes) > 0 {
			return pc.transferSyntaxes[0]
		}
	}
	return ImplicitVRLittleEndian
}

// CallingAETitle returns the AE title the remote presented in its
// A-ASSOCIATE-RQ, for attributing cache writes to their source.
func (sc *ServerConn) CallingAETitle() string { return sc.callingAE }

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := s.config.Logger

	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	p, err := readPDU(conn)
	if err != nil {
		log.Debug().Err(err).Msg("read associate-rq failed")
		return
	}
	if p.pduType != pduTypeAssociateRQ {
		writePDU(conn, pduTypeAbort, []byte{0x00, 0x00, 0x00, 0x00})
		return
	}

	rq, err := parseAssociateRQ(p.payload)
	if err != nil {
		writePDU(conn, pduTypeAbort, []byte{0x00, 0x00, 0x00, 0x00})
		return
	}

	accepted := s.negotiateAcceptorContexts(rq.contexts)

	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	ac := buildAssociateAC(rq.callingAE, rq.calledAE, accepted, s.config.MaxPDULength)
	if err := writePDU(conn, pduTypeAssociateAC, ac); err != nil {
		return
	}

	sc := &ServerConn{conn: conn, config: s.config, contexts: accepted, callingAE: rq.callingAE}
	log.Info().Str("calling_ae", rq.callingAE).Str("called_ae", rq.calledAE).Msg("association accepted")

	s.serveAssociation(sc)
}

// negotiateAcceptorContexts accepts every proposed context whose abstract
// syntax this gateway recognizes (Verification or any storage SOP class,
// plus the query/retrieve classes it also needs as an SCP for C-GET's
// inbound data path) on the first transfer syntax this engine supports.
// Unrecognized abstract syntaxes are rejected with
// abstract-syntax-not-supported, and recognized ones offering no supported
// transfer syntax with transfer-syntaxes-not-supported. This is the
// acceptor row spec.md §4.2 describes: accept broadly on storage, narrowly
// on query/retrieve.
func (s *Server) negotiateAcceptorContexts(proposed []presentationContext) []presentationContext {
	out := make([]presentationContext, 0, len(proposed))
	for _, pc := range proposed {
		if !isRecognizedAbstractSyntax(pc.abstractSyntax) {
			pc.result = pcResultAbstractSyntaxNotSupported
			out = append(out, pc)
			continue
		}
		ts, ok := firstSupportedTransferSyntax(pc.transferSyntaxes)
		if !ok {
			pc.result = pcResultTransferSyntaxesNotSupported
			out = append(out, pc)
			continue
		}
		pc.result = pcResultAcceptance
		pc.transferSyntaxes = []string{ts}
		out = append(out, pc)
	}
	return out
}

func isRecognizedAbstractSyntax(uid string) bool {
	if uid == VerificationSOPClass || IsStorageSOPClass(uid) {
		return true
	}
	switch uid {
	case StudyRootFind, PatientRootFind, PatientStudyOnlyFind,
		StudyRootMove, PatientRootMove,
		StudyRootGet, PatientRootGet:
		return true
	}
	return false
}

// firstSupportedTransferSyntax prefers a core (decodable) syntax, then
// falls back to any accepted compressed syntax (stored verbatim).
func firstSupportedTransferSyntax(proposed []string) (string, bool) {
	for _, want := range CoreTransferSyntaxes {
		for _, p := range proposed {
			if p == want {
				return want, true
			}
		}
	}
	for _, p := range proposed {
		if IsCompressedTransferSyntax(p) {
			return p, true
		}
	}
	return "", false
}

// serveAssociation multiplexes P-DATA-TF fragments into complete DIMSE
// messages and dispatches them to the Handler, until the peer releases or
// aborts.
func (s *Server) serveAssociation(sc *ServerConn) {
	for {
		sc.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		p, err := readPDU(sc.conn)
		if err != nil {
			return
		}
		switch p.pduType {
		case pduTypePDataTF:
			pcID, cmdBytes, dataBytes, err := reassembleMessage(sc.conn, p.payload)
			if err != nil {
				return
			}
			cs, err := DecodeCommandSet(cmdBytes)
			if err != nil {
				return
			}
			if err := s.dispatch(sc, pcID, cs, dataBytes); err != nil {
				s.config.Logger.Warn().Err(err).Msg("dimse handler error")
			}
		case pduTypeReleaseRQ:
			writePDU(sc.conn, pduTypeReleaseRP, nil)
			return
		case pduTypeAbort:
			return
		default:
			return
		}
	}
}

// dispatch routes a decoded DIMSE request to the Handler and sends the
// matching *-RSP command set on the same presentation context, so
// implementations in internal/storagescp only ever produce a status code,
// never touch PDU framing.
func (s *Server) dispatch(sc *ServerConn, pcID byte, cs *CommandSet, dataBytes []byte) error {
	switch cs.GetUS(TagCommandField) {
	case CommandCEchoRQ:
		status, err := s.handler.HandleCEcho(sc, cs)
		if err != nil {
			return err
		}
		rsp := NewCommandSet()
		rsp.SetUID(TagAffectedSOPClassUID, cs.GetString(TagAffectedSOPClassUID))
		rsp.SetUS(TagCommandField, CommandCEchoRSP)
		rsp.SetUS(TagMessageIDBeingRespondedTo, cs.GetUS(TagMessageID))
		rsp.SetUS(TagCommandDataSetType, 0x0101)
		rsp.SetUS(TagStatus, status)
		return sc.SendResponse(pcID, rsp)
	case CommandCStoreRQ:
		status, err := s.handler.HandleCStore(sc, cs, pcID, dataBytes)
		if err != nil {
			return err
		}
		rsp := NewCommandSet()
		rsp.SetUID(TagAffectedSOPClassUID, cs.GetString(TagAffectedSOPClassUID))
		rsp.SetUS(TagCommandField, CommandCStoreRSP)
		rsp.SetUS(TagMessageIDBeingRespondedTo, cs.GetUS(TagMessageID))
		rsp.SetUS(TagCommandDataSetType, 0x0101)
		rsp.SetUS(TagStatus, status)
		rsp.SetUID(TagAffectedSOPInstanceUID, cs.GetString(TagAffectedSOPInstanceUID))
		return sc.SendResponse(pcID, rsp)
	default:
		return fmt.Errorf("unsupported command field 0x%04x", cs.GetUS(TagCommandField))
	}
}
