package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomrelay/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// Association represents a client-side DICOM association
type Association struct {
	conn             net.Conn
	callingAETitle   string
	calledAETitle    string
	maxPDULength     uint32
	peerMaxPDULength uint32
	presentationCtxs map[byte]*PresentationContext
	order            []byte
	readTimeout      time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger

	mu     sync.Mutex
	ready  bool
	closed bool
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID                       byte
	AbstractSyntax           string
	ProposedTransferSyntaxes []string
	TransferSyntax           string
	Accepted                 bool
}

// ProposedContext is one presentation context offered in the A-ASSOCIATE-RQ
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Config holds client configuration
type Config struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	ConnectTimeout time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout    time.Duration // Timeout for each read (default: 60s)
	WriteTimeout   time.Duration // Timeout for each write (default: 60s)
	Logger         *slog.Logger  // Logger for the association (default: slog.Default())
	// PreferredTransferSyntaxes are proposed for the default contexts (default: Explicit VR, Implicit VR)
	PreferredTransferSyntaxes []string
	// PresentationContexts replaces the default proposal when set. IDs must be odd and unique.
	PresentationContexts []ProposedContext
}

// DefaultPresentationContexts proposes verification and a few common storage classes
func DefaultPresentationContexts(transferSyntaxes []string) []ProposedContext {
	classes := []string{
		types.VerificationSOPClass,
		types.CTImageStorage,
		types.MRImageStorage,
		types.SecondaryCaptureImageStorage,
	}
	out := make([]ProposedContext, len(classes))
	for i, uid := range classes {
		out[i] = ProposedContext{ID: byte(2*i + 1), AbstractSyntax: uid, TransferSyntaxes: transferSyntaxes}
	}
	return out
}

// Connect establishes a DICOM association with a remote SCP
func Connect(ctx context.Context, address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = dimse.DefaultMaxPDULength
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	if len(config.PreferredTransferSyntaxes) == 0 {
		config.PreferredTransferSyntaxes = []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	}
	proposed := config.PresentationContexts
	if len(proposed) == 0 {
		proposed = DefaultPresentationContexts(config.PreferredTransferSyntaxes)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dicomerrors.NewNetworkError("connect", err)
	}

	assoc := &Association{
		conn:             conn,
		callingAETitle:   config.CallingAETitle,
		calledAETitle:    config.CalledAETitle,
		maxPDULength:     config.MaxPDULength,
		presentationCtxs: make(map[byte]*PresentationContext),
		readTimeout:      config.ReadTimeout,
		writeTimeout:     config.WriteTimeout,
		logger:           logger.With("remote_addr", address, "called_ae", config.CalledAETitle),
	}

	release := assoc.arm(ctx)
	err = assoc.negotiate(proposed)
	release()
	if err != nil {
		conn.Close()
		return nil, err
	}

	assoc.ready = true
	assoc.logger.Info("DICOM association established",
		"calling_ae", config.CallingAETitle,
		"accepted_contexts", len(assoc.AcceptedContexts()))

	return assoc, nil
}

// arm applies the context deadline and the configured timeouts to the connection.
// Cancelling ctx unblocks pending I/O. The returned func must be called when the operation ends.
func (a *Association) arm(ctx context.Context) func() {
	now := time.Now()
	readDeadline := now.Add(a.readTimeout)
	writeDeadline := now.Add(a.writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		if d.Before(readDeadline) {
			readDeadline = d
		}
		if d.Before(writeDeadline) {
			writeDeadline = d
		}
	}
	_ = a.conn.SetReadDeadline(readDeadline)
	_ = a.conn.SetWriteDeadline(writeDeadline)

	stop := context.AfterFunc(ctx, func() {
		_ = a.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func (a *Association) negotiate(proposed []ProposedContext) error {
	if err := a.sendAssociateRQ(proposed); err != nil {
		return dicomerrors.NewNetworkError("send A-ASSOCIATE-RQ", err)
	}
	return a.receiveAssociateAC()
}

// sendAssociateRQ sends an A-ASSOCIATE-RQ PDU
func (a *Association) sendAssociateRQ(proposed []ProposedContext) error {
	buf := make([]byte, 0, 1024)

	// Protocol version + reserved
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, fmt.Sprintf("%-16.16s", a.calledAETitle)...)
	buf = append(buf, fmt.Sprintf("%-16.16s", a.callingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(types.ApplicationContextUID))

	for _, pc := range proposed {
		body := []byte{pc.ID, 0x00, 0x00, 0x00}
		body = appendItem(body, 0x30, []byte(pc.AbstractSyntax))
		// order matters, the first is preferred
		for _, ts := range pc.TransferSyntaxes {
			body = appendItem(body, 0x40, []byte(ts))
		}
		buf = appendItem(buf, 0x20, body)

		a.presentationCtxs[pc.ID] = &PresentationContext{
			ID:                       pc.ID,
			AbstractSyntax:           pc.AbstractSyntax,
			ProposedTransferSyntaxes: pc.TransferSyntaxes,
		}
		a.order = append(a.order, pc.ID)
	}

	var userInfo []byte
	userInfo = appendItem(userInfo, 0x51, binary.BigEndian.AppendUint32(nil, a.maxPDULength))
	userInfo = appendItem(userInfo, 0x52, []byte(types.ImplementationClassUID))
	userInfo = appendItem(userInfo, 0x55, []byte(types.ImplementationVersionName))
	buf = appendItem(buf, 0x50, userInfo)

	header := []byte{types.TypeAssociateRQ, 0x00}
	header = binary.BigEndian.AppendUint32(header, uint32(len(buf)))

	_, err := a.conn.Write(append(header, buf...))
	return err
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// receiveAssociateAC receives and parses A-ASSOCIATE-AC
func (a *Association) receiveAssociateAC() error {
	pduType, data, err := dimse.ReadPDU(a.conn)
	if err != nil {
		return dicomerrors.NewNetworkError("read A-ASSOCIATE response", err)
	}

	switch pduType {
	case types.TypeAssociateAC:
	case types.TypeAssociateRJ:
		if len(data) < 4 {
			return dicomerrors.NewPDUError(pduType, "short A-ASSOCIATE-RJ")
		}
		return &dicomerrors.AssociationError{
			Result: dicomerrors.AssociationRejectResult(data[1]),
			Source: dicomerrors.AssociationRejectSource(data[2]),
			Reason: dicomerrors.AssociationRejectReason(data[3]),
			Msg:    "rejected by peer",
		}
	case types.TypeAbort:
		var source, reason byte
		if len(data) >= 4 {
			source, reason = data[2], data[3]
		}
		return dicomerrors.NewAbortError(source, reason)
	default:
		return dicomerrors.NewPDUError(pduType, "expected A-ASSOCIATE-AC")
	}

	for offset := 68; offset+4 <= len(data); {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			return dicomerrors.NewPDUError(pduType, "item exceeds PDU length")
		}
		item := data[offset+4 : itemEnd]
		offset = itemEnd

		switch itemType {
		case 0x21: // Presentation Context Result
			a.parseContextResult(item)
		case 0x50: // User Information
			for sub := 0; sub+4 <= len(item); {
				subType := item[sub]
				subLength := binary.BigEndian.Uint16(item[sub+2 : sub+4])
				subEnd := sub + 4 + int(subLength)
				if subEnd > len(item) {
					break
				}
				if subType == 0x51 && subLength == 4 {
					a.peerMaxPDULength = binary.BigEndian.Uint32(item[sub+4 : subEnd])
				}
				sub = subEnd
			}
		}
	}

	return nil
}

func (a *Association) parseContextResult(item []byte) {
	if len(item) < 4 {
		return
	}
	contextID := item[0]
	result := item[2]

	transferSyntax := ""
	for sub := 4; sub+4 <= len(item); {
		subType := item[sub]
		subLength := binary.BigEndian.Uint16(item[sub+2 : sub+4])
		subEnd := sub + 4 + int(subLength)
		if subEnd > len(item) {
			break
		}
		if subType == 0x40 && subLength > 0 {
			transferSyntax = strings.TrimRight(string(item[sub+4:subEnd]), "\x00 ")
		}
		sub = subEnd
	}

	pc, ok := a.presentationCtxs[contextID]
	if !ok {
		a.logger.Warn("Result for unknown presentation context", "context_id", contextID)
		return
	}
	pc.Accepted = result == types.PresentationAcceptance && transferSyntax != ""
	if pc.Accepted {
		pc.TransferSyntax = transferSyntax
	}
	a.logger.Debug("Presentation context negotiation",
		"context_id", contextID,
		"abstract_syntax", pc.AbstractSyntax,
		"result", result,
		"accepted", pc.Accepted,
		"transfer_syntax", pc.TransferSyntax)
}

// IsReadyForDataTransfer reports whether the association is established and not released or aborted
func (a *Association) IsReadyForDataTransfer() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready && !a.closed
}

// AcceptedContexts returns accepted presentation contexts in proposal order
func (a *Association) AcceptedContexts() []*PresentationContext {
	var out []*PresentationContext
	for _, id := range a.order {
		if pc := a.presentationCtxs[id]; pc.Accepted {
			out = append(out, pc)
		}
	}
	return out
}

// GetPresentationContextID finds a presentation context for the given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	pc, err := a.FindPresentationContext(abstractSyntax, "")
	if err != nil {
		return 0, err
	}
	return pc.ID, nil
}

// FindPresentationContext returns an accepted context for the abstract syntax,
// preferring one whose accepted transfer syntax equals transferSyntax.
func (a *Association) FindPresentationContext(abstractSyntax, transferSyntax string) (*PresentationContext, error) {
	var fallback *PresentationContext
	for _, pc := range a.AcceptedContexts() {
		if pc.AbstractSyntax != abstractSyntax {
			continue
		}
		if transferSyntax == "" || pc.TransferSyntax == transferSyntax {
			return pc, nil
		}
		if fallback == nil {
			fallback = pc
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, abstractSyntax)
}

// roundTrip sends a request and reads its response under ctx
func (a *Association) roundTrip(ctx context.Context, pcID byte, command *types.Message, data []byte) (*types.Message, []byte, error) {
	if !a.IsReadyForDataTransfer() {
		return nil, nil, dicomerrors.ErrAssociationNotReady
	}

	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, nil, err
	}

	release := a.arm(ctx)
	defer release()

	maxPDU := a.peerMaxPDULength
	if maxPDU == 0 {
		maxPDU = dimse.DefaultMaxPDULength
	}
	if err := dimse.WriteMessage(a.conn, pcID, maxPDU, commandData, data); err != nil {
		a.markBroken()
		return nil, nil, err
	}

	_, msg, rspData, err := dimse.ReadMessage(a.conn)
	if err != nil {
		a.markBroken()
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, nil, err
	}

	if msg.CommandField != types.ResponseCommandFor(command.CommandField) {
		return nil, nil, fmt.Errorf("%w: unexpected command 0x%04x in reply to 0x%04x",
			dicomerrors.ErrInvalidMessage, msg.CommandField, command.CommandField)
	}
	return msg, rspData, nil
}

func (a *Association) markBroken() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.conn.Close()
}

// Release performs an orderly A-RELEASE and waits for the peer to close
func (a *Association) Release(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	wasReady := a.ready
	a.closed = true
	a.mu.Unlock()

	defer a.conn.Close()
	if !wasReady {
		return nil
	}

	release := a.arm(ctx)
	defer release()

	if _, err := a.conn.Write([]byte{types.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}); err != nil {
		return dicomerrors.NewNetworkError("send A-RELEASE-RQ", err)
	}

	for {
		pduType, _, err := dimse.ReadPDU(a.conn)
		if err != nil {
			// the peer may close right after A-RELEASE-RP
			if errors.Is(err, net.ErrClosed) || isEOF(err) {
				return nil
			}
			return dicomerrors.NewNetworkError("await A-RELEASE-RP", err)
		}
		switch pduType {
		case types.TypeReleaseRP:
			a.logger.Debug("Association released")
			return nil
		case types.TypeAbort:
			return nil
		}
	}
}

// Close gracefully releases the association
func (a *Association) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.readTimeout)
	defer cancel()
	return a.Release(ctx)
}

// Abort sends A-ABORT and closes the connection
func (a *Association) Abort() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	_, err := a.conn.Write([]byte{types.TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00})
	a.conn.Close()
	return err
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
