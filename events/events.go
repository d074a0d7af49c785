// Package events defines the CloudEvents emitted by the archive.
//
// Events are CloudEvents 1.0 in structured JSON mode.
package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomrelay/dicom"
)

const (
	SpecVersion     = "1.0"
	Source          = "ImagingIngestion"
	ContentTypeJSON = "application/json"
)

// TypeImageStored is the type of the event emitted per archived instance.
const TypeImageStored = "ImageStoredEvent"

// CloudEvent is the structured-mode envelope.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	DataContentType string          `json:"datacontenttype"`
	Time            time.Time       `json:"time"`
	Data            json.RawMessage `json:"data"`
}

// New wraps data in a CloudEvent with a random id.
func New(eventType, subject string, at time.Time, data any) (*CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		ID:              uuid.NewString(),
		Source:          Source,
		Type:            eventType,
		Subject:         subject,
		DataContentType: ContentTypeJSON,
		Time:            at.UTC(),
		Data:            raw,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *CloudEvent) Decode(v any) error {
	if e.DataContentType != "" && e.DataContentType != ContentTypeJSON {
		return fmt.Errorf("unsupported data content type %q", e.DataContentType)
	}
	return json.Unmarshal(e.Data, v)
}

// Element is one top-level attribute of a stored instance.
type Element struct {
	Group   string `json:"group"`
	Element string `json:"element"`
	VR      string `json:"vr"`
	Value   string `json:"value,omitempty"`
}

// Image describes the stored instance.
type Image struct {
	Elements          []Element `json:"elements"`
	TransferSyntaxUID string    `json:"transferSyntaxUID"`
}

// Store says where the instance was written.
type Store struct {
	Provider             string `json:"provider"`
	BucketName           string `json:"bucketName"`
	ObjectName           string `json:"objectName"`
	WADOInternalEndpoint string `json:"wadoInternalEndpoint,omitempty"`
	WADOExternalEndpoint string `json:"wadoExternalEndpoint,omitempty"`
}

// ImageStoredEvent is emitted once per archived instance.
type ImageStoredEvent struct {
	Image Image `json:"image"`
	Store Store `json:"store"`
}

// Elements converts the top-level attributes of ds.
// Sequences and bulk binary values are listed without a value.
func Elements(ds *dicom.Dataset) []Element {
	if ds == nil {
		return nil
	}
	out := make([]Element, 0, len(ds.Elements))
	for _, e := range ds.Elements {
		out = append(out, Element{
			Group:   fmt.Sprintf("%04X", e.Tag.Group),
			Element: fmt.Sprintf("%04X", e.Tag.Element),
			VR:      e.VR,
			Value:   elementValue(ds, e),
		})
	}
	return out
}

func elementValue(ds *dicom.Dataset, e *dicom.Element) string {
	if e.Undefined {
		return ""
	}
	switch e.VR {
	case dicom.VR_AE, dicom.VR_AS, dicom.VR_CS, dicom.VR_DA, dicom.VR_DS, dicom.VR_DT,
		dicom.VR_IS, dicom.VR_LO, dicom.VR_LT, dicom.VR_PN, dicom.VR_SH, dicom.VR_ST,
		dicom.VR_TM, dicom.VR_UC, dicom.VR_UI, dicom.VR_UR, dicom.VR_UT:
		return ds.GetString(e.Tag)
	case dicom.VR_US:
		if len(e.Value) >= 2 {
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(e.Value)), 10)
		}
	case dicom.VR_UL:
		if len(e.Value) >= 4 {
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(e.Value)), 10)
		}
	case dicom.VR_SS:
		if len(e.Value) >= 2 {
			return strconv.Itoa(int(int16(binary.LittleEndian.Uint16(e.Value))))
		}
	case dicom.VR_SL:
		if len(e.Value) >= 4 {
			return strconv.Itoa(int(int32(binary.LittleEndian.Uint32(e.Value))))
		}
	}
	return ""
}
