package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomrelay/dicom"
)

// ObjectStore persists stored instances under content-derived keys
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Bucket names the container objects are written into.
	Bucket() string
	// Provider names the storage backend for event consumers.
	Provider() string
}

// EventPublisher announces that an instance was stored
type EventPublisher interface {
	PublishImageStored(ctx context.Context, event ImageStored) error
}

// ImageStored carries a stored instance and where it landed
type ImageStored struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	CallingAETitle    string
	CalledAETitle     string
	// Dataset is the stored instance without its file meta group.
	Dataset    *dicom.Dataset
	Size       int
	Provider   string
	Bucket     string
	ObjectName string
}
