package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/dicomrelay/dicom"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/objectstore"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// StoreService archives C-STORE datasets as Part 10 files.
//
// Each instance is stored under the blake3 key of its file bytes with a
// ".dcm" suffix, then announced through the event publisher. Failures are
// answered with status 0xA700 (out of resources).
type StoreService struct {
	store  interfaces.ObjectStore
	events interfaces.EventPublisher
	logger *slog.Logger
}

// NewStoreService creates a store service. events may be nil.
func NewStoreService(store interfaces.ObjectStore, events interfaces.EventPublisher, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{store: store, events: events, logger: logger}
}

// HandleDIMSE stores the dataset of a C-STORE-RQ.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	builder := NewResponseBuilder(msg)
	logger := s.logger.With(
		"message_id", msg.MessageID,
		"sop_instance", msg.AffectedSOPInstanceUID)

	if len(data) == 0 {
		logger.WarnContext(ctx, "C-STORE request without dataset")
		return builder.CStoreResponse(types.StatusCannotUnderstand, "", "missing dataset"), nil, nil
	}

	ts := msg.TransferSyntaxUID
	if ts == "" && meta.PresentationContext != nil {
		ts = meta.PresentationContext.TransferSyntax
	}

	dataset, err := dicom.ParseDatasetWithTransferSyntax(data, ts)
	if err != nil {
		logger.WarnContext(ctx, "Cannot parse C-STORE dataset", "error", err)
		return builder.CStoreResponse(types.StatusCannotUnderstand, "", "cannot parse dataset"), nil, nil
	}

	file, err := dicom.WritePart10(msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID, ts, data)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to build Part 10 file", "error", err)
		return builder.CStoreResponse(types.StatusOutOfResources, "", "cannot build file"), nil, nil
	}

	key := objectstore.ContentKey(file) + ".dcm"
	if err := s.store.Put(ctx, key, file); err != nil {
		logger.ErrorContext(ctx, "Failed to store instance", "error", err, "object", key)
		return builder.CStoreResponse(types.StatusOutOfResources, "", "storage failure"), nil, nil
	}

	if s.events != nil {
		event := interfaces.ImageStored{
			SOPClassUID:       msg.AffectedSOPClassUID,
			SOPInstanceUID:    msg.AffectedSOPInstanceUID,
			TransferSyntaxUID: ts,
			Dataset:           dataset,
			Size:              len(file),
			Provider:          s.store.Provider(),
			Bucket:            s.store.Bucket(),
			ObjectName:        key,
		}
		if meta.Association != nil {
			event.CallingAETitle = meta.Association.CallingAETitle
			event.CalledAETitle = meta.Association.CalledAETitle
		}
		if err := s.events.PublishImageStored(ctx, event); err != nil {
			logger.ErrorContext(ctx, "Failed to publish stored event", "error", err, "object", key)
			return builder.CStoreResponse(types.StatusOutOfResources, "", "event not published"), nil, nil
		}
	}

	logger.InfoContext(ctx, "Stored instance",
		"sop_class", msg.AffectedSOPClassUID,
		"object", key,
		"size", len(file))

	return builder.CStoreResponse(types.StatusSuccess, "", ""), nil, nil
}
