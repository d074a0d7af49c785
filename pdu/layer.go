package pdu

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
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// A-ABORT sources (PS3.8 9.3.8)
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02
)

// A-ABORT reasons when the source is the service provider
const (
	AbortReasonNotSpecified      byte = 0x00
	AbortReasonUnrecognizedPDU   byte = 0x01
	AbortReasonUnexpectedPDU     byte = 0x02
	AbortReasonInvalidParameters byte = 0x06
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// Layer handles the DICOM Upper Layer Protocol for one accepted connection
type Layer struct {
	conn           net.Conn
	associationCtx *types.AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	listener       interfaces.AssociationListener
	serverAETitle  string
	capabilities   Capabilities
	maxPDULength   uint32
	readTimeout    time.Duration
	serial         uint32
	logger         *slog.Logger

	writeMu sync.Mutex
}

// Option configures a Layer
type Option func(*Layer)

// WithCapabilities sets the abstract and transfer syntaxes accepted during negotiation
func WithCapabilities(c Capabilities) Option {
	return func(l *Layer) { l.capabilities = c }
}

// WithListener registers hooks for association establishment and teardown
func WithListener(listener interfaces.AssociationListener) Option {
	return func(l *Layer) { l.listener = listener }
}

// WithSerial sets the serial number recorded in the association context
func WithSerial(serial uint32) Option {
	return func(l *Layer) { l.serial = serial }
}

// WithMaxPDULength sets the maximum PDU length announced to the peer
func WithMaxPDULength(n uint32) Option {
	return func(l *Layer) { l.maxPDULength = n }
}

// WithReadTimeout bounds the wait for each incoming PDU
func WithReadTimeout(d time.Duration) Option {
	return func(l *Layer) { l.readTimeout = d }
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, serverAETitle string, logger *slog.Logger, opts ...Option) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		capabilities:  DefaultCapabilities(),
		maxPDULength:  dimse.DefaultMaxPDULength,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AssociationContext returns the negotiated association, nil before negotiation
func (p *Layer) AssociationContext() *types.AssociationContext {
	return p.associationCtx
}

// HandleConnection manages the complete DICOM connection lifecycle.
// Cancelling ctx closes the connection.
func (p *Layer) HandleConnection(ctx context.Context) error {
	defer p.conn.Close()
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	remote := p.conn.RemoteAddr()
	p.logger.Info("New DICOM connection", "remote_addr", remote)

	if err := p.handleAssociationPhase(ctx); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}
	if p.listener != nil {
		defer p.listener.Closed(p.associationCtx)
	}

	for {
		pdu, err := p.readPDU()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				p.logger.Info("Connection closed", "remote_addr", remote)
				return nil
			}
			p.logger.Warn("Error reading PDU", "error", err, "remote_addr", remote)
			return err
		}

		done, err := p.handlePDU(ctx, pdu)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// readPDU reads a complete PDU from the connection
func (p *Layer) readPDU() (*PDU, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return nil, err
		}
	}
	pduType, data, err := dimse.ReadPDU(p.conn)
	if err != nil {
		return nil, err
	}
	return &PDU{Type: pduType, Length: uint32(len(data)), Data: data}, nil
}

// handlePDU routes PDUs to appropriate handlers and reports whether the association ended
func (p *Layer) handlePDU(ctx context.Context, pdu *PDU) (bool, error) {
	p.logger.Debug("Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case types.TypePDataTF:
		if err := p.handlePDataTF(ctx, pdu); err != nil {
			p.logger.Error("Aborting association", "error", err, "calling_ae", p.associationCtx.CallingAETitle)
			if abortErr := p.Abort(AbortSourceServiceUser, AbortReasonNotSpecified); abortErr != nil {
				p.logger.Warn("Failed to send A-ABORT", "error", abortErr)
			}
			return true, err
		}
		return false, nil
	case types.TypeReleaseRQ:
		return true, p.handleReleaseRequest()
	case types.TypeAbort:
		p.logger.Info("Received A-ABORT", "calling_ae", p.associationCtx.CallingAETitle)
		return true, nil
	default:
		p.logger.Warn("Unexpected PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		if err := p.Abort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU); err != nil {
			p.logger.Warn("Failed to send A-ABORT", "error", err)
		}
		return true, dicomerrors.NewPDUError(pdu.Type, "unexpected PDU during data transfer")
	}
}

// handleAssociationPhase handles the association establishment
func (p *Layer) handleAssociationPhase(ctx context.Context) error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}

	if pdu.Type != types.TypeAssociateRQ {
		_ = p.Abort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU)
		return dicomerrors.NewPDUError(pdu.Type, "expected A-ASSOCIATE-RQ")
	}

	return p.handleAssociateRequest(ctx, pdu)
}

// handleAssociateRequest processes A-ASSOCIATE-RQ and answers with AC or RJ
func (p *Layer) handleAssociateRequest(ctx context.Context, pdu *PDU) error {
	p.logger.Debug("Processing A-ASSOCIATE-RQ")

	assoc, err := p.parseAssociationRequest(pdu)
	if err != nil {
		var assocErr *dicomerrors.AssociationError
		if !errors.As(err, &assocErr) {
			assocErr = dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonNoReasonGiven, err.Error())
		}
		return p.reject(assocErr)
	}
	p.associationCtx = assoc

	if p.listener != nil {
		if err := p.listener.Associated(ctx, assoc); err != nil {
			var assocErr *dicomerrors.AssociationError
			if !errors.As(err, &assocErr) {
				assocErr = dicomerrors.NewTransientAssociationError(dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonNoReasonGiven, err.Error())
			}
			return p.reject(assocErr)
		}
	}

	if err := p.write(p.createAssociateAccept()); err != nil {
		// the listener already holds the association
		if p.listener != nil {
			p.listener.Closed(assoc)
		}
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC", "serial", assoc.Serial)
	return nil
}

// reject sends A-ASSOCIATE-RJ and returns the rejection as an error
func (p *Layer) reject(assocErr *dicomerrors.AssociationError) error {
	p.logger.Warn("Rejecting association",
		"result", assocErr.Result.String(),
		"source", assocErr.Source.String(),
		"reason", assocErr.Reason.String(),
		"detail", assocErr.Msg)

	rj := []byte{types.TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04,
		0x00, byte(assocErr.Result), byte(assocErr.Source), byte(assocErr.Reason)}
	if err := p.write(rj); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-RJ: %w", err)
	}
	return assocErr
}

// handlePDataTF forwards every PDV of a P-DATA-TF to the DIMSE layer in order
func (p *Layer) handlePDataTF(ctx context.Context, pdu *PDU) error {
	pdvs, err := dimse.ParsePDVs(pdu.Data)
	if err != nil {
		return err
	}

	for _, pdv := range pdvs {
		if err := p.dimseHandler.HandleDIMSEMessage(ctx, pdv.PresentationContextID, pdv.ControlHeader, pdv.Data, p); err != nil {
			return err
		}
	}
	return nil
}

// handleReleaseRequest processes A-RELEASE-RQ and sends A-RELEASE-RP
func (p *Layer) handleReleaseRequest() error {
	p.logger.Debug("Processing A-RELEASE-RQ")

	response := []byte{types.TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if err := p.write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}

	p.logger.Debug("Sent A-RELEASE-RP")
	return nil
}

// Abort sends an A-ABORT PDU. The caller closes the connection afterwards.
func (p *Layer) Abort(source, reason byte) error {
	return p.write([]byte{types.TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, source, reason})
}

// SendDIMSEResponse sends a DIMSE response with optional dataset via P-DATA-TF,
// fragmented to the peer's maximum PDU length
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte, datasetData []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return dimse.WriteMessage(p.conn, presContextID, p.associationCtx.MaxPDULength, commandData, datasetData)
}

func (p *Layer) write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// createAssociateAccept creates a proper A-ASSOCIATE-AC PDU
func (p *Layer) createAssociateAccept() []byte {
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)
	copy(fixedFields[4:20], padAETitle(p.associationCtx.CalledAETitle))
	copy(fixedFields[20:36], padAETitle(p.associationCtx.CallingAETitle))

	items := appendItem(nil, 0x10, []byte(types.ApplicationContextUID))

	for _, ctx := range p.associationCtx.Contexts() {
		// Some implementations (DCMTK/Orthanc) refuse an AC listing rejected
		// contexts even though PS3.8 9.3.3.3 requires them, so only accepted ones go out.
		if !ctx.Accepted() {
			p.logger.Debug("Skipping rejected context", "context_id", ctx.ID, "result", ctx.Result)
			continue
		}
		var body []byte
		body = append(body, ctx.ID, 0x00, ctx.Result, 0x00)
		body = appendItem(body, 0x40, []byte(ctx.TransferSyntax))
		items = appendItem(items, 0x21, body)
	}

	var userInfo []byte
	userInfo = appendItem(userInfo, 0x51, binary.BigEndian.AppendUint32(nil, p.maxPDULength))
	userInfo = appendItem(userInfo, 0x52, []byte(types.ImplementationClassUID))
	userInfo = appendItem(userInfo, 0x55, []byte(types.ImplementationVersionName))
	items = appendItem(items, 0x50, userInfo)

	pduData := append(fixedFields, items...)
	header := []byte{types.TypeAssociateAC, 0x00}
	header = binary.BigEndian.AppendUint32(header, uint32(len(pduData)))
	return append(header, pduData...)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func padAETitle(ae string) string {
	if len(ae) > 16 {
		ae = ae[:16]
	}
	return fmt.Sprintf("%-16s", ae)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func aeTitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ PDU and negotiates its presentation contexts
func (p *Layer) parseAssociationRequest(pdu *PDU) (*types.AssociationContext, error) {
	p.logger.Debug("Parsing association request", "pdu_length", len(pdu.Data))

	data := pdu.Data
	if len(data) < 68 {
		return nil, dicomerrors.NewPDUError(types.TypeAssociateRQ, "association request too short")
	}

	assoc := &types.AssociationContext{
		Serial:           p.serial,
		CalledAETitle:    aeTitle(data[4:20]),
		CallingAETitle:   aeTitle(data[20:36]),
		MaxPDULength:     dimse.DefaultMaxPDULength,
		PresentationCtxs: make(map[byte]*types.PresentationContext),
	}
	if assoc.CalledAETitle == "" {
		assoc.CalledAETitle = p.serverAETitle
	}

	p.logger.Info("Extracted AE titles from association request",
		"calling_ae", assoc.CallingAETitle,
		"called_ae", assoc.CalledAETitle)

	var (
		appContext string
		accepted   int
	)

	for offset := 68; offset+4 <= len(data); {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, dicomerrors.NewPDUError(types.TypeAssociateRQ, "association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]
		offset = valueEnd

		switch itemType {
		case 0x10: // Application Context
			appContext = normalizeUID(itemData)
		case 0x20: // Presentation Context
			ctx, err := p.capabilities.negotiate(itemData)
			if err != nil {
				p.logger.Warn("Failed to parse presentation context", "error", err)
				continue
			}
			if _, dup := assoc.PresentationCtxs[ctx.ID]; dup {
				p.logger.Warn("Duplicate presentation context ID", "context_id", ctx.ID)
				continue
			}
			p.logger.Debug("Presentation context negotiation result",
				"context_id", ctx.ID,
				"abstract_syntax", ctx.AbstractSyntax,
				"proposed_transfer_syntaxes", ctx.ProposedTransferSyntaxes,
				"selected_transfer_syntax", ctx.TransferSyntax,
				"result", ctx.Result)
			assoc.PresentationCtxs[ctx.ID] = ctx
			assoc.Order = append(assoc.Order, ctx.ID)
			if ctx.Accepted() {
				accepted++
			}
		case 0x50: // User Information
			maxPDULength, err := parseUserInformation(itemData)
			if err != nil {
				p.logger.Warn("Failed to parse user information", "error", err)
			} else if maxPDULength > 0 {
				assoc.MaxPDULength = maxPDULength
			}
		}
	}

	if appContext != types.ApplicationContextUID {
		return nil, dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonApplicationContextNotSupported,
			fmt.Sprintf("application context %q not supported", appContext))
	}

	p.logger.Info("Negotiated presentation contexts",
		"proposed", len(assoc.Order),
		"accepted", accepted,
		"max_pdu_length", assoc.MaxPDULength)

	return assoc, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	var maxPDULength uint32

	for offset := 0; offset+4 <= len(data); {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}
